package directive

import (
	"reflect"
	"testing"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

func TestIssueRefs(t *testing.T) {
	tests := []struct {
		text string
		want []int64
	}{
		{"fix #123 and #45", []int64{123, 45}},
		{"#7 first, then #7 again", []int64{7}},
		{"html entity &#123; is not an issue", nil},
		{"(#9) in parens", []int64{9}},
		{"no refs here", nil},
		{"abc#5 glued to a word", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := IssueRefs(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("IssueRefs(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestResolveAccess(t *testing.T) {
	focused := ResolveAccess(domain.Delegation{Task: "look at #3 and #8", Visibility: domain.VisibilityFocused})
	if focused.Mode != domain.VisibilityFocused || !reflect.DeepEqual(focused.Issues, []int64{3, 8}) {
		t.Errorf("focused access = %+v", focused)
	}
	if !focused.Tracker() {
		t.Error("focused worker should reach the tracker")
	}

	blind := ResolveAccess(domain.Delegation{Task: "#3", Visibility: domain.VisibilityBlind})
	if blind.Tracker() || blind.Issues != nil {
		t.Errorf("blind access = %+v, want no tracker", blind)
	}

	full := ResolveAccess(domain.Delegation{Task: "#3"})
	if full.Mode != domain.VisibilityFull || full.Issues != nil {
		t.Errorf("full access = %+v", full)
	}
}
