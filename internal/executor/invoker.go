package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
)

// Invocation defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultGraceWindow  = 10 * time.Second

	// MaxLineBytes bounds one kept output line. Longer lines are read and dropped.
	MaxLineBytes = 8 * 1024 * 1024
)

// Report body prefixes for synthesized outcomes
const (
	TimeoutMarker = "[TIMEOUT]"
	ErrorMarker   = "[ERROR]"
	SkippedMarker = "[SKIPPED]"
)

// Environment variables handed to every agent process
const (
	EnvWorkspace   = "CYCLE_WORKSPACE"
	EnvTrackerDB   = "CYCLE_TRACKER_DB"
	EnvAgent       = "CYCLE_AGENT"
	EnvCycle       = "CYCLE_NUMBER"
	EnvFocusIssues = "CYCLE_FOCUS_ISSUES"
)

// CostRecorder receives one ledger row per invocation that reported usage
type CostRecorder interface {
	Append(e domain.CostEntry) error
}

// ReportStore persists the report of every invocation
type ReportStore interface {
	AddReport(ctx context.Context, r *domain.Report) error
}

// Invoker launches agent processes for one project. Only one process is in flight at a time.
type Invoker struct {
	Binary    string // agent executable
	RepoPath  string // working directory of the agent
	Workspace string
	TrackerDB string
	LogDir    string // per-agent audit and response logs

	Ledger  CostRecorder
	Reports ReportStore
	Logger  *slog.Logger

	PollInterval time.Duration
	GraceWindow  time.Duration

	mu      sync.Mutex
	running bool
	skipCh  chan struct{}
}

// Request describes a single invocation
type Request struct {
	Agent  domain.AgentDefinition
	Model  string
	Prompt string
	Cycle  int

	Visibility domain.Visibility
	Issues     []int64 // focused issue numbers

	// Timeout is consulted at every poll so configuration edits apply to a running agent
	Timeout func() time.Duration
}

// Result is the classified outcome of an invocation. Skipped is neither success nor failure.
type Result struct {
	InvocationID string
	Success      bool
	Skipped      bool
	TimedOut     bool
	Text         string // parsed result text of the agent
	Body         string // report body
	Usage        *ledger.Usage
	Cost         float64
	Duration     time.Duration
}

// Failed reports whether the invocation counts as a failure
func (r Result) Failed() bool {
	return !r.Success && !r.Skipped
}

// resultLine is the final record the agent emits
type resultLine struct {
	Result *string       `json:"result"`
	Usage  *ledger.Usage `json:"usage"`
}

func (inv *Invoker) logger() *slog.Logger {
	if inv.Logger == nil {
		return slog.Default()
	}
	return inv.Logger
}

// Running reports whether an agent process is in flight
func (inv *Invoker) Running() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.running
}

// Skip terminates the in-flight process without recording a timeout.
// It returns false when nothing is running.
func (inv *Invoker) Skip() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.running {
		return false
	}
	select {
	case inv.skipCh <- struct{}{}:
	default:
	}
	return true
}

// Invoke runs one agent to completion, timeout or cancellation and records its outcome
func (inv *Invoker) Invoke(ctx context.Context, req Request) Result {
	res := Result{InvocationID: uuid.New().String()}
	log := inv.logger().With("agent", req.Agent.Name, "cycle", req.Cycle, "invocation", res.InvocationID)

	inv.mu.Lock()
	if inv.running {
		inv.mu.Unlock()
		res.Body = fmt.Sprintf("%s agent %s not started: another invocation is in flight", ErrorMarker, req.Agent.Name)
		return res
	}
	inv.running = true
	inv.skipCh = make(chan struct{}, 1)
	skipCh := inv.skipCh
	inv.mu.Unlock()
	defer func() {
		inv.mu.Lock()
		inv.running = false
		inv.mu.Unlock()
	}()

	start := time.Now()
	var audit io.Writer
	if f := inv.openLog(req.Agent.Name, ".log", log); f != nil {
		defer f.Close()
		audit = f
		fmt.Fprintf(f, "=== %s cycle %d invocation %s model %s ===\n",
			start.UTC().Format(time.RFC3339), req.Cycle, res.InvocationID, req.Model)
	}

	lines, outcome := inv.run(ctx, req, res.InvocationID, audit, skipCh, log)
	res.Duration = time.Since(start)

	rec := lastResult(lines)
	if rec.Result != nil {
		res.Text = *rec.Result
	}
	res.Usage = rec.Usage

	timeoutMs := int64(0)
	if req.Timeout != nil {
		timeoutMs = req.Timeout().Milliseconds()
	}

	switch {
	case outcome.startErr != nil:
		res.Body = fmt.Sprintf("%s agent %s could not be started: %v", ErrorMarker, req.Agent.Name, outcome.startErr)
	case outcome.timedOut:
		res.TimedOut = true
		res.Body = fmt.Sprintf("%s agent %s exceeded the %dms timeout after %s and was terminated.\n\nUncommitted changes at termination:\n```\n%s\n```",
			TimeoutMarker, req.Agent.Name, timeoutMs, res.Duration.Round(time.Second), SnapshotChanges(context.Background(), inv.RepoPath))
		if res.Text != "" {
			res.Body += "\n\nPartial result:\n" + res.Text
		}
	case outcome.skipped:
		res.Skipped = true
		res.Body = fmt.Sprintf("%s agent %s was stopped by operator after %s", SkippedMarker, req.Agent.Name, res.Duration.Round(time.Second))
	case outcome.waitErr != nil:
		res.Body = fmt.Sprintf("%s agent %s exited with %v", ErrorMarker, req.Agent.Name, outcome.waitErr)
		if tail := tailLines(outcome.stderr, 20); tail != "" {
			res.Body += "\n\n" + tail
		}
	default:
		res.Success = true
		res.Body = res.Text
	}

	inv.record(ctx, req, &res, log)

	log.Info("agent finished",
		"success", res.Success,
		"skipped", res.Skipped,
		"timed_out", res.TimedOut,
		"duration", res.Duration.Round(time.Millisecond),
		"cost", res.Cost,
	)
	return res
}

type runOutcome struct {
	startErr error
	waitErr  error
	timedOut bool
	skipped  bool
	stderr   []string
}

// run starts the process and supervises it until exit. Termination on timeout, skip or
// cancellation sends SIGTERM to the process group and SIGKILL after the grace window.
func (inv *Invoker) run(ctx context.Context, req Request, sessionID string, audit io.Writer, skipCh <-chan struct{}, log *slog.Logger) ([]string, runOutcome) {
	var out runOutcome

	cmd := inv.buildCommand(req, sessionID)
	configureProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.startErr = err
		return nil, out
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.startErr = err
		return nil, out
	}
	if err := cmd.Start(); err != nil {
		out.startErr = fmt.Errorf("starting %s: %w", inv.binary(), err)
		return nil, out
	}
	log.Info("agent started", "pid", cmd.Process.Pid, "model", req.Model)

	var (
		mu       sync.Mutex
		outLines []string
		errLines []string
		wg       sync.WaitGroup
	)
	keep := func(line string, dst *[]string) {
		mu.Lock()
		defer mu.Unlock()
		*dst = append(*dst, line)
		if audit != nil {
			io.WriteString(audit, line+"\n")
		}
	}
	readLines := func(r io.Reader, dst *[]string) {
		defer wg.Done()
		br := bufio.NewReaderSize(r, 64*1024)
		var line []byte
		size := 0
		for {
			frag, isPrefix, err := br.ReadLine()
			size += len(frag)
			if size <= MaxLineBytes {
				line = append(line, frag...)
			} else {
				line = nil
			}
			if err != nil {
				if size > 0 && size <= MaxLineBytes {
					keep(string(line), dst)
				}
				return
			}
			if isPrefix {
				continue
			}
			if size > MaxLineBytes {
				log.Warn("dropping oversized output line", "bytes", size)
				mu.Lock()
				if audit != nil {
					fmt.Fprintf(audit, "[output line of %d bytes omitted]\n", size)
				}
				mu.Unlock()
			} else {
				keep(string(line), dst)
			}
			line = line[:0]
			size = 0
		}
	}
	wg.Add(2)
	go readLines(stdout, &outLines)
	go readLines(stderr, &errLines)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	poll := inv.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	grace := inv.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	started := time.Now()
	var killTimer <-chan time.Time
	terminate := func(reason string) {
		if killTimer != nil {
			return
		}
		log.Warn("terminating agent", "reason", reason)
		if err := terminateGroup(cmd); err != nil {
			log.Warn("terminate failed", "error", err)
		}
		killTimer = time.After(grace)
	}

	ctxDone := ctx.Done()
	for {
		select {
		case err := <-done:
			out.waitErr = err
			mu.Lock()
			out.stderr = errLines
			lines := outLines
			mu.Unlock()
			return lines, out
		case <-ticker.C:
			if req.Timeout == nil || out.timedOut || out.skipped {
				continue
			}
			if limit := req.Timeout(); limit > 0 && time.Since(started) >= limit {
				out.timedOut = true
				terminate(fmt.Sprintf("timeout %s", limit))
			}
		case <-skipCh:
			if !out.timedOut {
				out.skipped = true
			}
			terminate("skip requested")
		case <-ctxDone:
			ctxDone = nil
			if !out.timedOut {
				out.skipped = true
			}
			terminate("cancelled")
		case <-killTimer:
			log.Warn("agent ignored SIGTERM, killing process group")
			if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Warn("kill failed", "error", err)
			}
			killTimer = nil
		}
	}
}

func (inv *Invoker) binary() string {
	if inv.Binary == "" {
		return "claude"
	}
	return inv.Binary
}

// buildCommand builds the non-interactive agent command line
func (inv *Invoker) buildCommand(req Request, sessionID string) *exec.Cmd {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--model", req.Model,
		"--session-id", sessionID,
		"-p", req.Prompt,
	}

	cmd := exec.Command(inv.binary(), args...)
	cmd.Dir = inv.RepoPath
	cmd.Env = append(os.Environ(),
		EnvWorkspace+"="+inv.Workspace,
		EnvAgent+"="+req.Agent.Name,
		EnvCycle+"="+strconv.Itoa(req.Cycle),
	)
	// only full visibility opens the database; focused workers get their issues inlined
	if (req.Visibility == domain.VisibilityFull || req.Visibility == "") && inv.TrackerDB != "" {
		cmd.Env = append(cmd.Env, EnvTrackerDB+"="+inv.TrackerDB)
	}
	if req.Visibility == domain.VisibilityFocused && len(req.Issues) > 0 {
		ids := make([]string, len(req.Issues))
		for i, n := range req.Issues {
			ids[i] = strconv.FormatInt(n, 10)
		}
		cmd.Env = append(cmd.Env, EnvFocusIssues+"="+strings.Join(ids, ","))
	}
	return cmd
}

// record writes the response log, the ledger row and the report. Failures are logged only.
func (inv *Invoker) record(ctx context.Context, req Request, res *Result, log *slog.Logger) {
	if resp := inv.openLog(req.Agent.Name, ".responses.log", log); resp != nil {
		fmt.Fprintf(resp, "=== %s cycle %d invocation %s ===\n%s\n\n",
			time.Now().UTC().Format(time.RFC3339), req.Cycle, res.InvocationID, res.Body)
		resp.Close()
	}

	if res.Usage != nil && inv.Ledger != nil {
		res.Cost = ledger.Cost(req.Model, *res.Usage)
		err := inv.Ledger.Append(domain.CostEntry{
			Timestamp: time.Now(),
			Cycle:     req.Cycle,
			Agent:     req.Agent.Name,
			Cost:      res.Cost,
			Duration:  res.Duration,
		})
		if err != nil {
			log.Error("appending cost entry", "error", err)
		}
	}

	if inv.Reports != nil {
		err := inv.Reports.AddReport(ctx, &domain.Report{
			Cycle:        req.Cycle,
			Agent:        req.Agent.Name,
			InvocationID: res.InvocationID,
			Body:         res.Body,
			CreatedAt:    time.Now(),
		})
		if err != nil {
			log.Error("saving report", "error", err)
		}
	}
}

func (inv *Invoker) openLog(agent, suffix string, log *slog.Logger) *os.File {
	if inv.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(inv.LogDir, 0755); err != nil {
		log.Error("creating log dir", "error", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(inv.LogDir, agent+suffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Error("opening agent log", "error", err)
		return nil
	}
	return f
}

// lastResult returns the last output line carrying a result field
func lastResult(lines []string) resultLine {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec resultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Result == nil {
			continue
		}
		return rec
	}
	return resultLine{}
}

func tailLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
