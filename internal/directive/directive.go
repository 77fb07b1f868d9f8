// Package directive extracts the structured blocks a manager agent embeds in its free-form
// output. A missing marker is never an error; a marker whose payload cannot be decoded is
// reported as ErrMalformed and the directive is treated as absent (except the verification
// fail marker, which is still recognized with a generic feedback text).
package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

// DefaultMilestoneCycles is the budget of a milestone that does not declare one
const DefaultMilestoneCycles = 20

// GenericFailFeedback is used when a fail verdict carries no readable feedback
const GenericFailFeedback = "Verification failed; the verifier did not provide readable feedback."

// Marker strings as the agents are instructed to write them
const (
	ScheduleOpen   = "<!-- SCHEDULE -->"
	ScheduleClose  = "<!-- /SCHEDULE -->"
	MilestoneOpen  = "<!-- MILESTONE -->"
	MilestoneClose = "<!-- /MILESTONE -->"
	ClaimMarker    = "<!-- CLAIM_COMPLETE -->"
	PassMarker     = "<!-- VERIFY_PASS -->"
	FailOpen       = "<!-- VERIFY_FAIL -->"
	FailClose      = "<!-- /VERIFY_FAIL -->"
)

// ErrMalformed marks a directive whose marker is present but whose payload is unusable
var ErrMalformed = errors.New("malformed directive")

var (
	scheduleRe  = regexp.MustCompile(`(?s)<!--\s*SCHEDULE\s*-->(.*?)<!--\s*/SCHEDULE\s*-->`)
	milestoneRe = regexp.MustCompile(`(?s)<!--\s*MILESTONE\s*-->(.*?)<!--\s*/MILESTONE\s*-->`)
	claimRe     = regexp.MustCompile(`<!--\s*CLAIM_COMPLETE\s*-->`)
	passRe      = regexp.MustCompile(`<!--\s*VERIFY_PASS\s*-->`)
	failRe      = regexp.MustCompile(`(?s)<!--\s*VERIFY_FAIL\s*-->(?:(.*?)<!--\s*/VERIFY_FAIL\s*-->)?`)
	fenceRe     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// VerdictKind is the outcome of a verification round
type VerdictKind int

const (
	VerdictNone VerdictKind = iota
	VerdictPass
	VerdictFail
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	default:
		return "none"
	}
}

// Verdict is a parsed verification result
type Verdict struct {
	Kind     VerdictKind
	Feedback string
}

// Set holds every directive found in one agent response
type Set struct {
	Schedule  *domain.Schedule
	Milestone *domain.Milestone
	Claim     bool
	Verdict   Verdict
	// Errors lists malformed payloads and skipped schedule entries
	Errors []error
}

// Parse extracts all directives from an agent's output
func Parse(text string) Set {
	var s Set

	sched, warnings, err := ParseSchedule(text)
	s.Errors = append(s.Errors, warnings...)
	if err != nil {
		s.Errors = append(s.Errors, err)
	} else {
		s.Schedule = sched
	}

	ms, err := ParseMilestone(text)
	if err != nil {
		s.Errors = append(s.Errors, err)
	} else {
		s.Milestone = ms
	}

	s.Claim = HasCompletionClaim(text)

	v, err := ParseVerdict(text)
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
	s.Verdict = v

	return s
}

// lastBlock returns the payload of the last match of re, or false when the marker is absent
func lastBlock(re *regexp.Regexp, text string) (string, bool) {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return unfence(matches[len(matches)-1][1]), true
}

// unfence strips a markdown code fence around a JSON payload
func unfence(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// HasCompletionClaim reports whether the implementation manager claimed the milestone done
func HasCompletionClaim(text string) bool {
	return claimRe.MatchString(text)
}

// ParseVerdict returns the verification verdict. A fail marker wins over a pass marker.
// A fail marker with undecodable JSON is still a fail, with GenericFailFeedback and an
// ErrMalformed error for logging.
func ParseVerdict(text string) (Verdict, error) {
	if matches := failRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		payload := unfence(matches[len(matches)-1][1])
		var body struct {
			Feedback string `json:"feedback"`
		}
		if payload == "" {
			return Verdict{Kind: VerdictFail, Feedback: GenericFailFeedback},
				fmt.Errorf("%w: verification fail without payload", ErrMalformed)
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return Verdict{Kind: VerdictFail, Feedback: GenericFailFeedback},
				fmt.Errorf("%w: verification fail: %v", ErrMalformed, err)
		}
		if strings.TrimSpace(body.Feedback) == "" {
			return Verdict{Kind: VerdictFail, Feedback: GenericFailFeedback}, nil
		}
		return Verdict{Kind: VerdictFail, Feedback: strings.TrimSpace(body.Feedback)}, nil
	}
	if passRe.MatchString(text) {
		return Verdict{Kind: VerdictPass}, nil
	}
	return Verdict{}, nil
}

// ParseMilestone returns the declared milestone, or nil when no milestone block exists
func ParseMilestone(text string) (*domain.Milestone, error) {
	payload, ok := lastBlock(milestoneRe, text)
	if !ok {
		return nil, nil
	}

	var body struct {
		Title       string      `json:"title"`
		Description string      `json:"description"`
		Cycles      interface{} `json:"cycles"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return nil, fmt.Errorf("%w: milestone: %v", ErrMalformed, err)
	}

	title := strings.TrimSpace(body.Title)
	desc := strings.TrimSpace(body.Description)
	if title == "" && desc == "" {
		return nil, fmt.Errorf("%w: milestone has neither title nor description", ErrMalformed)
	}
	if desc == "" {
		desc = title
	}
	if title == "" {
		title = firstLine(desc, 80)
	}

	cycles := milestoneCycles(body.Cycles)
	return &domain.Milestone{
		Title:          title,
		Description:    desc,
		CyclesBudget:   cycles,
		OriginalBudget: cycles,
	}, nil
}

func milestoneCycles(v interface{}) int {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return DefaultMilestoneCycles
		}
		f = parsed
	default:
		return DefaultMilestoneCycles
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return DefaultMilestoneCycles
	}
	return int(math.Floor(f))
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}

// ParseSchedule returns the delegation schedule, or nil when no schedule block exists.
// Entries that cannot be used are dropped and reported as warnings; a payload that is not
// a JSON object with an agents object is ErrMalformed.
func ParseSchedule(text string) (*domain.Schedule, []error, error) {
	payload, ok := lastBlock(scheduleRe, text)
	if !ok {
		return nil, nil, nil
	}

	var raw rawSchedule
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: schedule: %v", ErrMalformed, err)
	}
	if raw.Agents.entries == nil && len(raw.Agents.skipped) == 0 {
		return nil, nil, fmt.Errorf("%w: schedule has no agents object", ErrMalformed)
	}

	return &domain.Schedule{
		DelayMinutes: float64(raw.Delay),
		Delegations:  raw.Agents.entries,
	}, raw.Agents.skipped, nil
}

type rawSchedule struct {
	Delay  minutes      `json:"delay"`
	Agents orderedAgents `json:"agents"`
}

// minutes accepts a JSON number or a numeric string; anything else decodes as zero
type minutes float64

func (m *minutes) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch n := v.(type) {
	case float64:
		*m = minutes(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			*m = minutes(f)
		}
	}
	if *m < 0 || math.IsNaN(float64(*m)) || math.IsInf(float64(*m), 0) {
		*m = 0
	}
	return nil
}

// orderedAgents decodes the agents object preserving key order, which is the delegation order
type orderedAgents struct {
	entries []domain.Delegation
	skipped []error // dropped entries and degraded fields
}

func (o *orderedAgents) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("agents must be an object")
	}

	o.entries = []domain.Delegation{}
	seen := make(map[string]bool)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name := strings.TrimSpace(keyTok.(string))

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}

		d, warn, err := parseEntry(name, raw)
		if warn != nil {
			o.skipped = append(o.skipped, warn)
		}
		if err != nil {
			o.skipped = append(o.skipped, err)
			continue
		}
		if seen[name] {
			o.skipped = append(o.skipped, fmt.Errorf("schedule entry %q: duplicate agent, first assignment kept", name))
			continue
		}
		seen[name] = true
		o.entries = append(o.entries, d)
	}

	_, err = dec.Token()
	return err
}

// parseEntry normalizes a bare task string or a {task, delay, visibility} object.
// warn is set when the entry is kept with a degraded field.
func parseEntry(name string, raw json.RawMessage) (d domain.Delegation, warn error, err error) {
	if name == "" {
		return domain.Delegation{}, nil, fmt.Errorf("schedule entry with empty agent name")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var task string
		if err := json.Unmarshal(trimmed, &task); err != nil {
			return domain.Delegation{}, nil, fmt.Errorf("schedule entry %q: %v", name, err)
		}
		if strings.TrimSpace(task) == "" {
			return domain.Delegation{}, nil, fmt.Errorf("schedule entry %q: empty task", name)
		}
		return domain.Delegation{Agent: name, Task: task, Visibility: domain.VisibilityFull}, nil, nil
	}

	var obj struct {
		Task       string  `json:"task"`
		Delay      minutes `json:"delay"`
		Visibility string  `json:"visibility"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return domain.Delegation{}, nil, fmt.Errorf("schedule entry %q: %v", name, err)
	}
	if strings.TrimSpace(obj.Task) == "" {
		return domain.Delegation{}, nil, fmt.Errorf("schedule entry %q: empty task", name)
	}
	vis, ok := domain.ParseVisibility(obj.Visibility)
	if !ok {
		warn = fmt.Errorf("schedule entry %q: unknown visibility %q, using full", name, obj.Visibility)
	}
	return domain.Delegation{
		Agent:        name,
		Task:         obj.Task,
		DelayMinutes: float64(obj.Delay),
		Visibility:   vis,
	}, warn, nil
}
