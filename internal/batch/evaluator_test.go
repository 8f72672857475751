package batch

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sqlapi/sqlapi/internal/query"
)

var (
	resultOK      = NodeResult{Status: NodeStatusSucceeded, Output: &query.Result{}}
	resultFailed  = NodeResult{Status: NodeStatusFailed, Error: &ErrorInfo{Kind: query.ErrorKindExecution, Message: "boom"}}
	resultTimeout = NodeResult{Status: NodeStatusFailed, Error: &ErrorInfo{Kind: query.ErrorKindTimeout, Message: "too slow"}}
)

type planPaths struct {
	Ready     []string
	Skip      []string
	Resolved  bool
	Outcome   NodeStatus
	LastError *ErrorInfo
}

func evaluatePaths(t *testing.T, payload string, results map[string]NodeResult) planPaths {
	t.Helper()
	tree, err := Parse(json.RawMessage(payload))
	require.NoError(t, err)

	plan := Evaluate(tree, results)
	out := planPaths{Resolved: plan.Resolved, Outcome: plan.Outcome, LastError: plan.LastError}
	for _, id := range plan.Ready {
		out.Ready = append(out.Ready, tree.Node(id).Path)
	}
	for _, id := range plan.Skip {
		out.Skip = append(out.Skip, tree.Node(id).Path)
	}
	return out
}

func TestEvaluate(t *testing.T) {
	const fallback = `{"query": "SELECT q", "onsuccess": "SELECT s", "onerror": "SELECT e"}`

	tests := []struct {
		name    string
		payload string
		results map[string]NodeResult
		want    planPaths
	}{
		{
			name:    "fresh leaf is ready",
			payload: `"SELECT 1"`,
			want:    planPaths{Ready: []string{"query"}},
		},
		{
			name:    "sequence offers every item",
			payload: `["SELECT 1", "SELECT 2", "SELECT 3"]`,
			want:    planPaths{Ready: []string{"query[0]", "query[1]", "query[2]"}},
		},
		{
			name:    "sequence keeps running after a failed item",
			payload: `["SELECT 1", "SELECT 2"]`,
			results: map[string]NodeResult{"query[0]": resultFailed},
			want:    planPaths{Ready: []string{"query[1]"}},
		},
		{
			name:    "sequence fails when any item failed",
			payload: `["SELECT 1", "SELECT 2"]`,
			results: map[string]NodeResult{"query[0]": resultOK, "query[1]": resultFailed},
			want:    planPaths{Resolved: true, Outcome: NodeStatusFailed, LastError: resultFailed.Error},
		},
		{
			name:    "conditional waits for query",
			payload: fallback,
			want:    planPaths{Ready: []string{"query.query"}},
		},
		{
			name:    "success takes onsuccess and skips onerror",
			payload: fallback,
			results: map[string]NodeResult{"query.query": resultOK},
			want:    planPaths{Ready: []string{"query.onsuccess"}, Skip: []string{"query.onerror"}},
		},
		{
			name:    "failure takes onerror and skips onsuccess",
			payload: fallback,
			results: map[string]NodeResult{"query.query": resultFailed},
			want:    planPaths{Ready: []string{"query.onerror"}, Skip: []string{"query.onsuccess"}},
		},
		{
			name:    "timeout flows into onerror",
			payload: fallback,
			results: map[string]NodeResult{"query.query": resultTimeout},
			want:    planPaths{Ready: []string{"query.onerror"}, Skip: []string{"query.onsuccess"}},
		},
		{
			name:    "recovered failure resolves succeeded",
			payload: fallback,
			results: map[string]NodeResult{
				"query.query":     resultFailed,
				"query.onsuccess": {Status: NodeStatusSkipped},
				"query.onerror":   resultOK,
			},
			want: planPaths{Resolved: true, Outcome: NodeStatusSucceeded},
		},
		{
			name:    "failing onerror leaves the chain failed",
			payload: fallback,
			results: map[string]NodeResult{
				"query.query":     resultFailed,
				"query.onsuccess": {Status: NodeStatusSkipped},
				"query.onerror":   resultTimeout,
			},
			want: planPaths{Resolved: true, Outcome: NodeStatusFailed, LastError: resultTimeout.Error},
		},
		{
			name:    "failure without onerror resolves failed",
			payload: `{"query": "SELECT q", "onsuccess": ["SELECT a", "SELECT b"]}`,
			results: map[string]NodeResult{"query.query": resultFailed},
			want: planPaths{
				Skip:      []string{"query.onsuccess[0]", "query.onsuccess[1]"},
				Resolved:  true,
				Outcome:   NodeStatusFailed,
				LastError: resultFailed.Error,
			},
		},
		{
			name:    "success without onsuccess resolves succeeded",
			payload: `{"query": "SELECT q", "onerror": "SELECT e"}`,
			results: map[string]NodeResult{"query.query": resultOK},
			want:    planPaths{Skip: []string{"query.onerror"}, Resolved: true, Outcome: NodeStatusSucceeded},
		},
		{
			name:    "running leaf is offered again",
			payload: `"SELECT 1"`,
			results: map[string]NodeResult{"query": {Status: NodeStatusRunning}},
			want:    planPaths{Ready: []string{"query"}},
		},
		{
			name: "nested fallback inside sequence",
			payload: `{"query": [{"query": "SELECT a", "onsuccess": "SELECT b", "onerror": "SELECT c"}],
				"onsuccess": "SELECT d", "onerror": "SELECT e"}`,
			results: map[string]NodeResult{
				"query.query[0].query": resultFailed,
			},
			want: planPaths{
				Ready: []string{"query.query[0].onerror"},
				Skip:  []string{"query.query[0].onsuccess"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluatePaths(t, tt.payload, tt.results)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Evaluate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	tree, err := Parse(json.RawMessage(`{"query": "SELECT q", "onerror": "SELECT e"}`))
	require.NoError(t, err)
	results := map[string]NodeResult{"query.query": resultFailed}

	first := Evaluate(tree, results)
	second := Evaluate(tree, results)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated Evaluate() differs (-first +second):\n%s", diff)
	}
	require.Len(t, results, 1)
}
