package directive

import (
	"regexp"
	"strconv"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

var issueRefRe = regexp.MustCompile(`(?:^|[^\w&#])#(\d+)\b`)

// Access is the resolved issue-tracker access of a delegated worker
type Access struct {
	Mode domain.Visibility
	// Issues restricts a focused worker to these issue numbers
	Issues []int64
}

// Tracker reports whether the worker may use the issue tracker at all
func (a Access) Tracker() bool {
	return a.Mode != domain.VisibilityBlind
}

// ResolveAccess derives a worker's tracker access from its delegation
func ResolveAccess(d domain.Delegation) Access {
	switch d.Visibility {
	case domain.VisibilityBlind:
		return Access{Mode: domain.VisibilityBlind}
	case domain.VisibilityFocused:
		return Access{Mode: domain.VisibilityFocused, Issues: IssueRefs(d.Task)}
	default:
		return Access{Mode: domain.VisibilityFull}
	}
}

// IssueRefs returns the distinct #123-style issue references in text, in order of appearance
func IssueRefs(text string) []int64 {
	var refs []int64
	seen := make(map[int64]bool)
	for _, m := range issueRefRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	return refs
}
