package payment

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Payments
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for payments
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Payment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create persists the initial pending row for a freshly created payment intent
func (m *Manager) Create(ctx context.Context, p *Payment) error {
	result := m.db.WithContext(ctx).Create(p)
	if result.Error != nil {
		m.logger.Error("Unable to create new payment in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create payment")
	}
	return nil
}

// Get returns a payment by its processor intent id, nil if untracked
func (m *Manager) Get(ctx context.Context, externalPaymentIntentID string) (*Payment, error) {
	var p Payment
	result := m.db.WithContext(ctx).First(&p, "external_payment_intent_id = ?", externalPaymentIntentID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get payment by external id")
	}

	return &p, nil
}

// List returns the workspace's payments, newest first
func (m *Manager) List(ctx context.Context, workspaceID string) ([]Payment, error) {
	results := make([]Payment, 0, 1)
	result := m.db.WithContext(ctx).
		Order("created_at desc").
		Where("workspace_id = ?", workspaceID).
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list payments")
	}
	return results, nil
}

// Settle transitions a pending payment into a terminal status. The write is
// conditional on the row still being pending, so replayed settlement events
// and racing writers cannot move a terminal payment. A miss (unknown intent
// or already terminal) affects zero rows and is not an error.
func (m *Manager) Settle(ctx context.Context, externalPaymentIntentID string, status Status) error {
	if !status.Terminal() {
		return extErrors.Errorf("status %q is not a terminal payment status", status)
	}
	result := m.db.WithContext(ctx).
		Model(&Payment{}).
		Where("external_payment_intent_id = ?", externalPaymentIntentID).
		Where("status = ?", StatusPending).
		Update("status", status)
	if result.Error != nil {
		m.logger.Error("Unable to settle payment",
			zap.String("ExternalPaymentIntentID", externalPaymentIntentID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot settle payment")
	}
	return nil
}

// ListStalePending returns pending payments created before the cutoff, for
// the repair sweep to re-poll against the gateway
func (m *Manager) ListStalePending(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	results := make([]Payment, 0, 1)
	result := m.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("created_at < ?", olderThan).
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list stale pending payments")
	}
	return results, nil
}
