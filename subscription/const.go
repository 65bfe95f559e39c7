package subscription

// PlanType is the custom type to define which plan a workspace is on
type PlanType string

// Defining the available plan types
const (
	PlanFree       PlanType = "free"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

// Status is the custom type to define the current status of a subscription.
// The values mirror the payment processor's status strings.
type Status string

// Defining the possible subscription statuses
const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// ParsePlanType validates a caller-supplied plan type
func ParsePlanType(s string) (PlanType, bool) {
	switch PlanType(s) {
	case PlanFree, PlanPro, PlanEnterprise:
		return PlanType(s), true
	}
	return "", false
}

// StatusFromGateway maps the processor's status string onto the local status
// set. Statuses this projection does not track collapse to unpaid so a new
// processor status can never wedge a row in an unknown state.
func StatusFromGateway(s string) Status {
	switch s {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "unpaid", "incomplete":
		return StatusUnpaid
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusUnpaid
	}
}
