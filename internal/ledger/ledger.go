// Package ledger keeps the append-only per-project record of agent spend.
// Aggregates are always recomputed from the full entry set, so the file is the single
// source of truth.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

// FileName is the ledger file name inside a project directory
const FileName = "costs.csv"

// Window is the trailing spend window used by the budget
const Window = 24 * time.Hour

var header = []string{"timestamp", "cycle", "agent", "cost_usd", "duration_ms"}

// Ledger is an append-only CSV cost log
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open returns the ledger stored at path. The file is created on first append.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file location
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one entry
func (l *Ledger) Append(e domain.CostEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(e.Cycle),
		e.Agent,
		strconv.FormatFloat(e.Cost, 'f', -1, 64),
		strconv.FormatInt(e.Duration.Milliseconds(), 10),
	}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// Entries reads every entry in append order. Unparseable rows are skipped.
func (l *Ledger) Entries() ([]domain.CostEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(r io.Reader) ([]domain.CostEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var entries []domain.CostEntry
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a torn trailing write must not hide the committed history
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return entries, err
		}
		if e, ok := parseRecord(rec); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func parseRecord(rec []string) (domain.CostEntry, bool) {
	if len(rec) != len(header) || rec[0] == header[0] {
		return domain.CostEntry{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		return domain.CostEntry{}, false
	}
	cycle, err := strconv.Atoi(rec[1])
	if err != nil {
		return domain.CostEntry{}, false
	}
	cost, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return domain.CostEntry{}, false
	}
	ms, err := strconv.ParseInt(rec[4], 10, 64)
	if err != nil {
		return domain.CostEntry{}, false
	}
	return domain.CostEntry{
		Timestamp: ts,
		Cycle:     cycle,
		Agent:     rec[2],
		Cost:      cost,
		Duration:  time.Duration(ms) * time.Millisecond,
	}, true
}

// Reset removes the ledger file
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CycleTotal is the summed cost and duration of one cycle
type CycleTotal struct {
	Cycle    int
	Cost     float64
	Duration time.Duration
}

// AgentTotal is the summed spend of one agent
type AgentTotal struct {
	Agent       string        `json:"agent"`
	Cost        float64       `json:"cost"`
	Invocations int           `json:"invocations"`
	Duration    time.Duration `json:"duration"`
}

// Summary holds the aggregates derived from a set of entries
type Summary struct {
	Cycles            int
	LastCycleCost     float64
	AvgCycleCost      float64
	LastCycleDuration time.Duration
	AvgCycleDuration  time.Duration
	Spent24h          float64
	Oldest24h         time.Time // zero when no entry falls inside the window
	TotalCost         float64
	PerAgent          []AgentTotal
}

// ByCycle groups entries per cycle in append order. A cycle is a consecutive run of rows
// with the same cycle number, so numbers reused after a bootstrap start new cycles.
func ByCycle(entries []domain.CostEntry) []CycleTotal {
	var totals []CycleTotal
	for i, e := range entries {
		if i == 0 || e.Cycle != entries[i-1].Cycle {
			totals = append(totals, CycleTotal{Cycle: e.Cycle})
		}
		last := &totals[len(totals)-1]
		last.Cost += e.Cost
		last.Duration += e.Duration
	}
	return totals
}

// Window24h returns the spend inside the trailing window ending at now and the timestamp
// of the oldest entry inside it
func Window24h(entries []domain.CostEntry, now time.Time) (spent float64, oldest time.Time) {
	cutoff := now.Add(-Window)
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) || e.Timestamp.After(now) {
			continue
		}
		spent += e.Cost
		if oldest.IsZero() || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
	}
	return spent, oldest
}

// Summarize derives all aggregates from the full entry set
func Summarize(entries []domain.CostEntry, now time.Time) Summary {
	var s Summary

	cycles := ByCycle(entries)
	s.Cycles = len(cycles)
	if n := len(cycles); n > 0 {
		var cost float64
		var dur time.Duration
		for _, c := range cycles {
			cost += c.Cost
			dur += c.Duration
		}
		s.LastCycleCost = cycles[n-1].Cost
		s.LastCycleDuration = cycles[n-1].Duration
		s.AvgCycleCost = cost / float64(n)
		s.AvgCycleDuration = dur / time.Duration(n)
		s.TotalCost = cost
	}

	s.Spent24h, s.Oldest24h = Window24h(entries, now)

	agents := make(map[string]*AgentTotal)
	for _, e := range entries {
		a, ok := agents[e.Agent]
		if !ok {
			a = &AgentTotal{Agent: e.Agent}
			agents[e.Agent] = a
		}
		a.Cost += e.Cost
		a.Invocations++
		a.Duration += e.Duration
	}
	for _, a := range agents {
		s.PerAgent = append(s.PerAgent, *a)
	}
	sort.Slice(s.PerAgent, func(i, j int) bool {
		if s.PerAgent[i].Cost != s.PerAgent[j].Cost {
			return s.PerAgent[i].Cost > s.PerAgent[j].Cost
		}
		return s.PerAgent[i].Agent < s.PerAgent[j].Agent
	})

	return s
}

// AgentSummary returns the totals for a single agent
func (s Summary) AgentSummary(name string) AgentTotal {
	for _, a := range s.PerAgent {
		if a.Agent == name {
			return a
		}
	}
	return AgentTotal{Agent: name}
}
