package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prismcli/prism/pkg/models"
)

// ErrBudgetExceeded is returned when a batch would push spend past a policy cap.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Spender reports recorded spend. history.SQLiteStore satisfies it.
type Spender interface {
	TotalCost(ctx context.Context, model string, since time.Time) (float64, error)
}

// Enforcer checks estimated spend against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	spender  Spender
	now      func() time.Time
}

// New creates an Enforcer with the given policies and spend source.
func New(policies []models.BudgetPolicy, s Spender) *Enforcer {
	return &Enforcer{policies: policies, spender: s, now: time.Now}
}

// Check returns an error wrapping ErrBudgetExceeded if spending estimate
// more on model would exceed any applicable policy.
func (e *Enforcer) Check(ctx context.Context, model string, estimate float64) error {
	for _, p := range e.applicablePolicies(model) {
		if err := e.checkPolicy(ctx, p, estimate); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enforcer) checkPolicy(ctx context.Context, p models.BudgetPolicy, estimate float64) error {
	spent, err := e.spent(ctx, p)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if spent+estimate > p.MaxCostUSD {
		return fmt.Errorf("%w: %s cap $%.2f, spent $%.2f, request needs $%.2f",
			ErrBudgetExceeded, p.Period, p.MaxCostUSD, spent, estimate)
	}
	return nil
}

// CheckBatch is Check for a batch spanning several models. estimates maps
// model to estimated cost; a policy without a model sees the sum.
func (e *Enforcer) CheckBatch(ctx context.Context, estimates map[string]float64) error {
	for _, p := range e.policies {
		var estimate float64
		for model, cost := range estimates {
			if p.Model == "" || p.Model == model {
				estimate += cost
			}
		}
		if estimate == 0 {
			continue
		}
		if err := e.checkPolicy(ctx, p, estimate); err != nil {
			return err
		}
	}
	return nil
}

// Status returns current spend for every configured policy.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		spent, err := e.spent(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := p.MaxCostUSD - spent
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Spent:     spent,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func (e *Enforcer) spent(ctx context.Context, p models.BudgetPolicy) (float64, error) {
	return e.spender.TotalCost(ctx, p.Model, periodStart(p.Period, e.now()))
}

func (e *Enforcer) applicablePolicies(model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
