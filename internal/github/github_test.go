package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/conveyor/internal/notify"
)

type mockCmd struct {
	calls   [][]string
	results []mockResult
	idx     int
}

type mockResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestSetCommitStatus(t *testing.T) {
	mock := &mockCmd{}
	client := NewClient(mock)

	err := client.SetCommitStatus("acme", "widgets", "abc123", CommitStatus{
		State:       "success",
		Context:     "conveyor/dev",
		Description: "deployed",
		TargetURL:   "https://conveyor.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	args := mock.calls[0]
	for _, want := range []string{"api", "repos/acme/widgets/statuses/abc123", "state=success", "context=conveyor/dev", "description=deployed", "target_url=https://conveyor.example.com"} {
		if !hasArg(args, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}
}

func TestSetCommitStatus_InvalidState(t *testing.T) {
	mock := &mockCmd{}
	err := NewClient(mock).SetCommitStatus("acme", "widgets", "abc", CommitStatus{State: "done"})
	if err == nil {
		t.Fatal("expected error for invalid state")
	}
	if len(mock.calls) != 0 {
		t.Error("no gh call expected")
	}
}

func TestSetCommitStatus_TruncatesDescription(t *testing.T) {
	mock := &mockCmd{}
	long := strings.Repeat("x", 200)
	if err := NewClient(mock).SetCommitStatus("acme", "widgets", "abc", CommitStatus{State: "failure", Description: long}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, a := range mock.calls[0] {
		if desc, ok := strings.CutPrefix(a, "description="); ok && len(desc) != maxDescription {
			t.Errorf("description length = %d, want %d", len(desc), maxDescription)
		}
	}
}

func TestSetCommitStatus_Error(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("HTTP 404")}}}
	if err := NewClient(mock).SetCommitStatus("acme", "widgets", "abc", CommitStatus{State: "pending"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusNotifier(t *testing.T) {
	tests := []struct {
		kind      notify.Kind
		payload   map[string]any
		wantState string
		wantDesc  string
	}{
		{notify.DeploymentStarted, nil, "pending", "deploying"},
		{notify.ApprovalRequested, nil, "pending", "waiting for approval"},
		{notify.DeploymentSucceeded, nil, "success", "deployed"},
		{notify.DeploymentFailed, map[string]any{"cause": "timeout"}, "failure", "deployment failed: timeout"},
		{notify.PipelineHalted, map[string]any{"rejected_by": "bob"}, "error", "rejected by bob"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			mock := &mockCmd{}
			s := &StatusNotifier{Client: NewClient(mock)}
			payload := map[string]any{"org": "acme", "name": "widgets", "sha": "abc", "stage": "prod"}
			for k, v := range tt.payload {
				payload[k] = v
			}
			if err := s.Notify(context.Background(), notify.Notification{Kind: tt.kind, Payload: payload}); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			args := mock.calls[0]
			if !hasArg(args, "state="+tt.wantState) || !hasArg(args, "description="+tt.wantDesc) || !hasArg(args, "context=conveyor/prod") {
				t.Errorf("args = %v", args)
			}
		})
	}
}

func TestStatusNotifier_IgnoresOtherKinds(t *testing.T) {
	mock := &mockCmd{}
	s := &StatusNotifier{Client: NewClient(mock)}
	if err := s.Notify(context.Background(), notify.Notification{Kind: notify.OperatorAlert}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("unexpected gh calls: %v", mock.calls)
	}
}
