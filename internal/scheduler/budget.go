package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
)

// Sleep bounds and estimator tuning
const (
	MinSleep = 10 * time.Second
	MaxSleep = 2 * time.Hour

	ColdStartMultiplier = 1.5
	EMAAlpha            = 0.3

	// A sample above OutlierThreshold×EMA is folded in as OutlierClamp×EMA once
	// OutlierMinPoints samples precede it.
	OutlierThreshold = 3.0
	OutlierClamp     = 2.0
	OutlierMinPoints = 3
)

// Params is the configuration input of a sleep computation
type Params struct {
	Budget       float64 // USD per trailing 24h, 0 = unlimited
	Interval     time.Duration
	AgentTimeout time.Duration
	Model        string // prices the cold-start estimate
	AgentCount   int    // agents a cycle may invoke, used for the cold-start estimate

	// MinSleep and MaxSleep override the package bounds when non-zero
	MinSleep time.Duration
	MaxSleep time.Duration
}

func (p Params) bounds() (min, max time.Duration) {
	min, max = MinSleep, MaxSleep
	if p.MinSleep > 0 {
		min = p.MinSleep
	}
	if p.MaxSleep > 0 {
		max = p.MaxSleep
	}
	return min, max
}

// Floor is the shortest sleep ever returned: the configured interval, but not below MinSleep
func (p Params) Floor() time.Duration {
	min, _ := p.bounds()
	if p.Interval > min {
		return p.Interval
	}
	return min
}

// Estimate is the representative cost and duration of one cycle
type Estimate struct {
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
	Samples   int           `json:"samples"`
	Factor    float64       `json:"factor"` // conservatism multiplier applied to Cost
	ColdStart bool          `json:"coldStart"`
}

// Decision is the result of a sleep computation
type Decision struct {
	Sleep      time.Duration `json:"sleep"`
	Exhausted  bool          `json:"exhausted"`
	Spent24h   float64       `json:"spent24h"`
	Remaining  float64       `json:"remaining"`
	Affordable int           `json:"affordable"`
	Estimate   *Estimate     `json:"estimate,omitempty"`
	Reason     string        `json:"reason"`
}

// ComputeSleep decides how long to wait before the next cycle. It is a pure function of the
// ledger entries, the parameters and now.
func ComputeSleep(entries []domain.CostEntry, p Params, now time.Time) Decision {
	floor := p.Floor()
	if p.Budget <= 0 {
		return Decision{Sleep: floor, Reason: "no budget configured"}
	}

	_, max := p.bounds()
	if floor > max {
		floor = max
	}

	spent, oldest := ledger.Window24h(entries, now)
	d := Decision{Spent24h: spent, Remaining: p.Budget - spent}

	if d.Remaining <= 0 {
		d.Exhausted = true
		if oldest.IsZero() {
			d.Sleep = max
			d.Reason = "budget exhausted"
			return d
		}
		d.Sleep = clamp(oldest.Add(ledger.Window).Sub(now), floor, max)
		d.Reason = fmt.Sprintf("budget exhausted: $%.2f of $%.2f spent in 24h", spent, p.Budget)
		return d
	}

	est := EstimateCycle(ledger.ByCycle(entries), p)
	d.Estimate = &est

	perCycle := est.Cost * est.Factor
	if perCycle <= 0 {
		d.Sleep = floor
		d.Reason = "no measurable cycle cost"
		return d
	}

	d.Affordable = affordable(d.Remaining / perCycle)
	if d.Affordable <= 0 {
		d.Sleep = max
		d.Reason = fmt.Sprintf("remaining $%.2f does not cover one cycle ($%.2f)", d.Remaining, perCycle)
		return d
	}

	spread := ledger.Window/time.Duration(d.Affordable) - est.Duration
	d.Sleep = clamp(spread, floor, max)
	d.Reason = fmt.Sprintf("%d cycles affordable in 24h", d.Affordable)
	return d
}

// affordable converts a cycle count quotient to an int without overflowing on huge budgets
func affordable(q float64) int {
	if q >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(q))
}

// EstimateCycle returns the cold-start estimate when there is no history, else the
// EMA of per-cycle cost and duration
func EstimateCycle(history []ledger.CycleTotal, p Params) Estimate {
	n := len(history)
	if n == 0 {
		agents := p.AgentCount
		if agents < 1 {
			agents = 1
		}
		return Estimate{
			Cost:      ledger.RateFor(p.Model).ColdStartCycle * float64(agents),
			Duration:  p.AgentTimeout / 2 * time.Duration(agents),
			Factor:    ColdStartMultiplier,
			ColdStart: true,
		}
	}

	costs := make([]float64, n)
	durations := make([]float64, n)
	for i, c := range history {
		costs[i] = c.Cost
		durations[i] = float64(c.Duration)
	}

	return Estimate{
		Cost:     EMA(costs),
		Duration: time.Duration(EMA(durations)),
		Samples:  n,
		Factor:   1 + 0.5/math.Sqrt(float64(n)),
	}
}

// EMA is the exponentially weighted moving average of samples, seeded from the first one,
// with outlier dampening
func EMA(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	ema := samples[0]
	for i := 1; i < len(samples); i++ {
		x := samples[i]
		if i >= OutlierMinPoints && x > OutlierThreshold*ema {
			x = OutlierClamp * ema
		}
		ema = EMAAlpha*x + (1-EMAAlpha)*ema
	}
	return ema
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
