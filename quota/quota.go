package quota

import (
	"context"
	"fmt"

	"github.com/zllovesuki/tally/subscription"
	"github.com/zllovesuki/tally/usage"

	"go.uber.org/zap"
)

// EngineOptions contains the configuration for the quota Engine
type EngineOptions struct {
	UsageManager *usage.Manager
	Logger       *zap.Logger
}

// Engine enforces plan limits against recorded usage. Feature-gating callers
// (chat, rooms, uploads) ask CheckLimit before acting and RecordUsage after
// the action succeeds; this package never calls into those domains.
type Engine struct {
	EngineOptions
}

// NewEngine validates the options and returns a quota Engine
func NewEngine(option EngineOptions) (*Engine, error) {
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Engine{
		EngineOptions: option,
	}, nil
}

// LimitCheck is the outcome of a quota check
type LimitCheck struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

// CheckLimit decides whether the workspace may consume one more unit of the
// feature under its plan. Reaching the limit exactly blocks the next
// increment. When currentUsage is nil, the month-to-date sum is computed from
// the usage store. Unlimited and unmetered features are always allowed.
func (e *Engine) CheckLimit(ctx context.Context, workspaceID, feature string, planType subscription.PlanType, currentUsage *int64) (*LimitCheck, error) {
	limit, _ := subscription.LimitsForPlan(planType).For(feature)

	var current int64
	if currentUsage != nil {
		current = *currentUsage
	}

	if limit == subscription.Unlimited {
		return &LimitCheck{
			Allowed: true,
			Limit:   subscription.Unlimited,
			Current: current,
		}, nil
	}

	if currentUsage == nil {
		total, err := e.UsageManager.MonthTotal(ctx, workspaceID, feature)
		if err != nil {
			return nil, err
		}
		current = total
	}

	allowed := current < limit
	if !allowed {
		e.Logger.Info("Quota limit reached",
			zap.String("WorkspaceID", workspaceID),
			zap.String("Feature", feature),
			zap.Int64("Limit", limit),
			zap.Int64("Current", current),
		)
	}

	return &LimitCheck{
		Allowed: allowed,
		Limit:   limit,
		Current: current,
	}, nil
}

// RecordUsage adds quantity to today's counter for the feature
func (e *Engine) RecordUsage(ctx context.Context, workspaceID, feature string, quantity int64) error {
	return e.UsageManager.Increment(ctx, workspaceID, feature, quantity)
}

// CurrentMonthUsage returns the workspace's month-to-date usage by feature,
// used for dashboards
func (e *Engine) CurrentMonthUsage(ctx context.Context, workspaceID string) (map[string]int64, error) {
	return e.UsageManager.MonthTotals(ctx, workspaceID)
}
