// Package digest sends the periodic spend digest across all projects
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/registry"
)

// DefaultCron fires every morning at nine
const DefaultCron = "0 9 * * *"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Source provides the aggregate the digest reports on
type Source interface {
	Status(ctx context.Context) registry.Summary
}

// Digest checks its cron schedule once per tick and sends a notification when due
type Digest struct {
	expr     string
	schedule cron.Schedule
	source   Source
	notifier notify.Notifier
	log      *slog.Logger
	tick     time.Duration

	mu      sync.Mutex
	lastRun time.Time
}

// New returns a digest for the cron expression. The first digest is sent at the first
// scheduled time after construction.
func New(expr string, source Source, notifier notify.Notifier, logger *slog.Logger) (*Digest, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid digest cron %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Digest{
		expr:     expr,
		schedule: sched,
		source:   source,
		notifier: notifier,
		log:      logger.With("component", "digest"),
		tick:     time.Minute,
		lastRun:  time.Now(),
	}, nil
}

// NextRun returns the next scheduled send
func (d *Digest) NextRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schedule.Next(d.lastRun)
}

// Due reports whether a scheduled send has passed since the last one
func (d *Digest) Due(now time.Time) bool {
	return !now.Before(d.NextRun())
}

// Run checks the schedule until ctx is cancelled
func (d *Digest) Run(ctx context.Context) {
	d.log.Info("digest scheduled", "cron", d.expr, "next", d.NextRun())
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !d.Due(now) {
				continue
			}
			d.mu.Lock()
			d.lastRun = now
			d.mu.Unlock()
			if err := d.Send(ctx); err != nil {
				d.log.Warn("sending digest", "error", err)
			}
		}
	}
}

// Send builds and delivers one digest now
func (d *Digest) Send(ctx context.Context) error {
	s := d.source.Status(ctx)
	d.log.Info("sending digest", "projects", s.Total)
	return d.notifier.Send(ctx, Compose(s))
}

// Compose renders a summary as a notification, one line per project
func Compose(s registry.Summary) notify.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%d projects, $%.2f spent in the last 24h", s.Total, s.Spent24h)
	for _, p := range s.Projects {
		fmt.Fprintf(&b, "\n%s: $%.2f, %d cycles, %s", p.Project, p.Cost.Spent24h, p.State.CycleCount, p.State.Phase)
		if m := p.State.Milestone; m != nil {
			fmt.Fprintf(&b, " (%s %d/%d)", m.Title, m.CyclesUsed, m.CyclesBudget)
		}
		if p.State.IsPaused {
			fmt.Fprintf(&b, ", paused: %s", p.State.PauseReason)
		}
		if p.State.BudgetExhausted {
			b.WriteString(", budget exhausted")
		}
	}

	typ := notify.NotifyInfo
	if s.Paused > 0 {
		typ = notify.NotifyWarning
	}
	return notify.Notification{
		Title:   "Daily digest",
		Message: b.String(),
		Type:    typ,
		Kind:    notify.KindDigest,
	}
}
