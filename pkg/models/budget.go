package models

// BudgetPeriod defines the time window for a budget policy.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// BudgetPolicy caps estimated spend per period, optionally for one model.
type BudgetPolicy struct {
	Model      string       `json:"model,omitempty" yaml:"model,omitempty"`
	MaxCostUSD float64      `json:"max_cost_usd" yaml:"max_cost_usd" validate:"gt=0"`
	Period     BudgetPeriod `json:"period" yaml:"period" validate:"oneof=daily monthly"`
}

// BudgetStatus shows current spend against a policy.
type BudgetStatus struct {
	Policy    BudgetPolicy `json:"policy"`
	Spent     float64      `json:"spent"`
	Remaining float64      `json:"remaining"`
}
