// Package tokens accounts for the tokens and dollars spent by agents during a
// build and enforces the build's token budget.
package tokens

import "sync"

// DefaultMaxBudget is the per-build token budget used when none is configured.
const DefaultMaxBudget = 500_000

// DefaultWarningRatio is the fraction of the budget at which a warning fires.
const DefaultWarningRatio = 0.8

// Usage is a token/cost total.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	Usage
	TotalTokens int              `json:"total_tokens"`
	MaxBudget   int              `json:"max_budget"`
	Reserved    int              `json:"reserved"`
	PerAgent    map[string]Usage `json:"per_agent"`
}

// Tracker accumulates cumulative token usage for one build. Totals never
// decrease. A non-positive max budget disables budget enforcement.
type Tracker struct {
	mu        sync.Mutex
	total     Usage
	perAgent  map[string]Usage
	maxBudget int
	reserved  int
	warned    bool
}

// NewTracker creates a tracker with the given token budget.
func NewTracker(maxBudget int) *Tracker {
	return &Tracker{
		perAgent:  make(map[string]Usage),
		maxBudget: maxBudget,
	}
}

// AddForAgent records usage for agent. Negative values are clamped to zero so
// the totals stay monotonic.
func (t *Tracker) AddForAgent(agent string, inputTokens, outputTokens int, costUSD float64) {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)
	costUSD = max(costUSD, 0)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.InputTokens += inputTokens
	t.total.OutputTokens += outputTokens
	t.total.CostUSD += costUSD

	u := t.perAgent[agent]
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.CostUSD += costUSD
	t.perAgent[agent] = u
}

// Total returns cumulative input+output tokens.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.Total()
}

// MaxBudget returns the configured budget.
func (t *Tracker) MaxBudget() int {
	return t.maxBudget
}

// ForAgent returns the usage recorded for agent.
func (t *Tracker) ForAgent(agent string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perAgent[agent]
}

// BudgetExceeded reports whether cumulative usage has reached the budget.
func (t *Tracker) BudgetExceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBudget > 0 && t.total.Total() >= t.maxBudget
}

// EffectiveBudgetExceeded is BudgetExceeded counting outstanding reservations.
func (t *Tracker) EffectiveBudgetExceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBudget > 0 && t.total.Total()+t.reserved >= t.maxBudget
}

// Reserved returns the tokens currently held by outstanding reservations.
func (t *Tracker) Reserved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved
}

// Reserve holds n tokens against the budget until the returned reservation is
// released. Callers must release it on every exit path.
func (t *Tracker) Reserve(n int) *Reservation {
	n = max(n, 0)

	t.mu.Lock()
	t.reserved += n
	t.mu.Unlock()

	return &Reservation{tracker: t, amount: n}
}

// CheckWarning returns true the first time usage reaches ratio of the budget
// and false on every later call for this tracker.
func (t *Tracker) CheckWarning(ratio float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.warned || t.maxBudget <= 0 {
		return false
	}
	if float64(t.total.Total()) >= ratio*float64(t.maxBudget) {
		t.warned = true
		return true
	}
	return false
}

// Snapshot returns a copy of the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	per := make(map[string]Usage, len(t.perAgent))
	for k, v := range t.perAgent {
		per[k] = v
	}
	return Snapshot{
		Usage:       t.total,
		TotalTokens: t.total.Total(),
		MaxBudget:   t.maxBudget,
		Reserved:    t.reserved,
		PerAgent:    per,
	}
}

// Reservation is a hold on part of the budget.
type Reservation struct {
	once    sync.Once
	tracker *Tracker
	amount  int
}

// Release returns the reserved tokens. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.tracker.mu.Lock()
		r.tracker.reserved -= r.amount
		r.tracker.mu.Unlock()
	})
}
