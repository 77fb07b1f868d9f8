// Package issues lists a project's issues and pull requests through the gh CLI
package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultLimit caps a listing when the caller does not
const DefaultLimit = 50

// ErrNoRepo is returned when the project has no tracker_repo configured
var ErrNoRepo = errors.New("no tracker repository configured")

// Fetcher runs gh against one repository
type Fetcher struct {
	Binary string // gh when empty
	Repo   string // owner/repo
}

// NewFetcher returns a fetcher for repo
func NewFetcher(repo string) *Fetcher {
	return &Fetcher{Repo: repo}
}

// Query filters a listing
type Query struct {
	State string // open, closed, merged or all; open when empty
	Limit int
	Label string
}

// Issue is one hosted issue
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PullRequest is one hosted pull request
type PullRequest struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	URL         string    `json:"url"`
	Author      string    `json:"author"`
	Labels      []string  `json:"labels"`
	HeadRefName string    `json:"headRefName"`
	IsDraft     bool      `json:"isDraft"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghAuthor struct {
	Login string `json:"login"`
}

type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Author    ghAuthor  `json:"author"`
	Labels    []ghLabel `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ghPullRequest struct {
	ghIssue
	HeadRefName string `json:"headRefName"`
	IsDraft     bool   `json:"isDraft"`
}

const (
	issueFields = "number,title,state,url,author,labels,createdAt,updatedAt"
	prFields    = issueFields + ",headRefName,isDraft"
)

func labelNames(labels []ghLabel) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}

func parseIssues(data []byte) ([]Issue, error) {
	var raw []ghIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	out := make([]Issue, len(raw))
	for i, gh := range raw {
		out[i] = Issue{
			Number:    gh.Number,
			Title:     gh.Title,
			State:     strings.ToLower(gh.State),
			URL:       gh.URL,
			Author:    gh.Author.Login,
			Labels:    labelNames(gh.Labels),
			CreatedAt: gh.CreatedAt,
			UpdatedAt: gh.UpdatedAt,
		}
	}
	return out, nil
}

func parsePullRequests(data []byte) ([]PullRequest, error) {
	var raw []ghPullRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	out := make([]PullRequest, len(raw))
	for i, gh := range raw {
		out[i] = PullRequest{
			Number:      gh.Number,
			Title:       gh.Title,
			State:       strings.ToLower(gh.State),
			URL:         gh.URL,
			Author:      gh.Author.Login,
			Labels:      labelNames(gh.Labels),
			HeadRefName: gh.HeadRefName,
			IsDraft:     gh.IsDraft,
			CreatedAt:   gh.CreatedAt,
			UpdatedAt:   gh.UpdatedAt,
		}
	}
	return out, nil
}

// ListIssues runs gh issue list
func (f *Fetcher) ListIssues(ctx context.Context, q Query) ([]Issue, error) {
	out, err := f.run(ctx, "issue", issueFields, q)
	if err != nil {
		return nil, err
	}
	return parseIssues(out)
}

// ListPullRequests runs gh pr list
func (f *Fetcher) ListPullRequests(ctx context.Context, q Query) ([]PullRequest, error) {
	out, err := f.run(ctx, "pr", prFields, q)
	if err != nil {
		return nil, err
	}
	return parsePullRequests(out)
}

func (f *Fetcher) run(ctx context.Context, kind, fields string, q Query) ([]byte, error) {
	if strings.TrimSpace(f.Repo) == "" {
		return nil, ErrNoRepo
	}
	state := q.State
	if state == "" {
		state = "open"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	args := []string{kind, "list",
		"--repo", f.Repo,
		"--state", state,
		"--json", fields,
		"--limit", strconv.Itoa(limit)}
	if q.Label != "" {
		args = append(args, "--label", q.Label)
	}

	bin := f.Binary
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("gh %s list: %w: %s", kind, err, msg)
		}
		return nil, fmt.Errorf("gh %s list: %w", kind, err)
	}
	return output, nil
}
