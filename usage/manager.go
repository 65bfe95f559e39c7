package usage

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to UsageRecords
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for usage records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize usage.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Increment adds quantity to today's counter for (workspace, feature),
// creating the row if it is the first usage of the day. The write is a single
// upsert so concurrent increments from many requests never lose updates;
// there is no read-modify-write in application memory.
func (m *Manager) Increment(ctx context.Context, workspaceID, feature string, quantity int64) error {
	if quantity < 1 {
		return fmt.Errorf("quantity must be a positive integer")
	}
	rec := UsageRecord{
		WorkspaceID: workspaceID,
		Feature:     feature,
		Date:        Day(time.Now()),
		Quantity:    quantity,
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "workspace_id"},
				{Name: "feature"},
				{Name: "date"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity": gorm.Expr("quantity + ?", quantity),
			}),
		}).
		Create(&rec)
	if result.Error != nil {
		m.logger.Error("Unable to increment usage",
			zap.String("WorkspaceID", workspaceID),
			zap.String("Feature", feature),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot increment usage")
	}
	return nil
}

// MonthTotal sums a feature's counters for the current UTC calendar month
func (m *Manager) MonthTotal(ctx context.Context, workspaceID, feature string) (int64, error) {
	var total int64
	result := m.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("workspace_id = ?", workspaceID).
		Where("feature = ?", feature).
		Where("date >= ?", MonthStart(time.Now())).
		Scan(&total)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot sum monthly usage")
	}
	return total, nil
}

type featureTotal struct {
	Feature string
	Total   int64
}

// MonthTotals sums all of the workspace's counters for the current UTC
// calendar month, grouped by feature
func (m *Manager) MonthTotals(ctx context.Context, workspaceID string) (map[string]int64, error) {
	rows := make([]featureTotal, 0, 4)
	result := m.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("feature, SUM(quantity) as total").
		Where("workspace_id = ?", workspaceID).
		Where("date >= ?", MonthStart(time.Now())).
		Group("feature").
		Scan(&rows)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot sum monthly usage")
	}
	totals := make(map[string]int64)
	for _, row := range rows {
		totals[row.Feature] = row.Total
	}
	return totals, nil
}
