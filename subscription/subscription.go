package subscription

import "time"

// Subscription is the local projection of a workspace's subscription state on
// the payment processor. Exactly one row exists per workspace, created lazily
// on first access and never hard-deleted.
type Subscription struct {
	WorkspaceID            string     `json:"workspaceId" gorm:"primaryKey"`
	ExternalCustomerID     string     `json:"externalCustomerId" gorm:"index"` // Corresponds to Stripe's Customer ID, empty until first charge
	ExternalSubscriptionID string     `json:"externalSubscriptionId" gorm:"index"`
	PlanType               PlanType   `json:"planType" gorm:"default:free"`
	Status                 Status     `json:"status" gorm:"default:trialing"`
	Amount                 float64    `json:"amount"` // major units per billing period
	Currency               string     `json:"currency" gorm:"default:usd"`
	CurrentPeriodStart     *time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd       *time.Time `json:"currentPeriodEnd"`
	TrialEnd               *time.Time `json:"trialEnd"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}
