package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/zllovesuki/tally/external"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscriptions
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// GetOrCreate returns the workspace's subscription row, inserting the free
// trialing default if none exists. The insert is conditional on the primary
// key so concurrent first access cannot create duplicates: losers of the
// insert race fall through to reading the winner's row.
func (m *Manager) GetOrCreate(ctx context.Context, workspaceID string) (*Subscription, error) {
	def := Subscription{
		WorkspaceID: workspaceID,
		PlanType:    PlanFree,
		Status:      StatusTrialing,
		Amount:      0,
		Currency:    "usd",
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}},
			DoNothing: true,
		}).
		Create(&def)
	if result.Error != nil {
		m.logger.Error("Unable to upsert default subscription",
			zap.String("WorkspaceID", workspaceID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create default subscription")
	}

	var sub Subscription
	result = m.db.WithContext(ctx).First(&sub, "workspace_id = ?", workspaceID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by workspace id")
	}
	return &sub, nil
}

// GetActive returns the workspace's subscription only if it is active,
// nil otherwise
func (m *Manager) GetActive(ctx context.Context, workspaceID string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Where("status = ?", StatusActive).
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get active subscription")
	}

	return &sub, nil
}

// GetByExternalID returns the subscription tracking the given processor
// subscription id, nil if this projection never observed it
func (m *Manager) GetByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "external_subscription_id = ?", externalSubscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by external id")
	}

	return &sub, nil
}

// SetCustomerID records the lazily provisioned processor customer id.
// The guard keeps a concurrent provision from clobbering an id already set.
func (m *Manager) SetCustomerID(ctx context.Context, workspaceID, customerID string) error {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("workspace_id = ?", workspaceID).
		Where("external_customer_id = ''").
		Update("external_customer_id", customerID)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot set customer id on subscription")
	}
	return nil
}

// SetStatus updates only the status of the workspace's subscription
func (m *Manager) SetStatus(ctx context.Context, workspaceID string, status Status) error {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("workspace_id = ?", workspaceID).
		Update("status", status)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update subscription status")
	}
	return nil
}

// OverwriteFromGateway writes the processor's response after a synchronous
// subscription creation over the workspace's row in a single update
func (m *Manager) OverwriteFromGateway(ctx context.Context, workspaceID string, planType PlanType, snap *external.SubscriptionSnapshot) (*Subscription, error) {
	updates := map[string]interface{}{
		"external_subscription_id": snap.ID,
		"plan_type":                planType,
		"status":                   StatusFromGateway(snap.Status),
		"amount":                   snap.UnitAmount,
		"current_period_start":     periodTime(snap.CurrentPeriodStart),
		"current_period_end":       periodTime(snap.CurrentPeriodEnd),
	}
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("workspace_id = ?", workspaceID).
		Updates(updates)
	if result.Error != nil {
		m.logger.Error("Unable to overwrite subscription from gateway response",
			zap.String("WorkspaceID", workspaceID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot update subscription from gateway response")
	}

	var sub Subscription
	if result := m.db.WithContext(ctx).First(&sub, "workspace_id = ?", workspaceID); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot read back subscription")
	}
	return &sub, nil
}

// ApplySnapshot overwrites status, period bounds, and amount from a webhook
// snapshot, keyed by the processor's subscription id. The event is
// authoritative and carries the full object, so re-applying it or applying a
// newer one is always convergent. A miss is a silent no-op: the processor may
// deliver events for subscriptions this projection never observed.
func (m *Manager) ApplySnapshot(ctx context.Context, snap *external.SubscriptionSnapshot) error {
	updates := map[string]interface{}{
		"status":               StatusFromGateway(snap.Status),
		"amount":               snap.UnitAmount,
		"current_period_start": periodTime(snap.CurrentPeriodStart),
		"current_period_end":   periodTime(snap.CurrentPeriodEnd),
	}
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("external_subscription_id = ?", snap.ID).
		Updates(updates)
	if result.Error != nil {
		m.logger.Error("Unable to apply subscription snapshot",
			zap.String("ExternalSubscriptionID", snap.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot apply subscription snapshot")
	}
	return nil
}

// MarkStatusByExternalID sets only the status, keyed by the processor's
// subscription id. A miss is a silent no-op.
func (m *Manager) MarkStatusByExternalID(ctx context.Context, externalSubscriptionID string, status Status) error {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("external_subscription_id = ?", externalSubscriptionID).
		Update("status", status)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update subscription status by external id")
	}
	return nil
}

func periodTime(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return nil
	}
	return &t
}
