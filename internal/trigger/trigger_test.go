package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time { return fixedNow }}
}

func ruledApp() pipeline.Application {
	return pipeline.Application{
		Org:  "acme",
		Name: "widgets",
		Triggers: pipeline.TriggerConfig{
			PullRequests: pipeline.PullRequestPolicy{Deploy: true},
			Merges: []pipeline.MergeRule{
				{ToBranch: "^main$", FromBranch: "^release/", Stages: []string{"staging", "prod"}},
				{ToBranch: "^main$", Stages: []string{"dev"}},
			},
			Tags: []pipeline.TagRule{
				{Pattern: "^hotfix-", Stages: []string{"prod"}},
				{Pattern: "semver", Stages: []string{"staging"}},
			},
		},
	}
}

func TestPushWithoutRulesTargetsEntry(t *testing.T) {
	n := testNormalizer()
	app := pipeline.Application{Org: "acme", Name: "widgets"}
	trig, ok, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/heads/feature"}, app)
	if err != nil || !ok {
		t.Fatalf("Push = %v, %v", ok, err)
	}
	if trig.Stage != "" || trig.Kind != pipeline.TriggerPush {
		t.Errorf("trigger = %+v", trig)
	}
	if !trig.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", trig.Timestamp, fixedNow)
	}
}

func TestPushMergeRules(t *testing.T) {
	n := testNormalizer()
	app := ruledApp()

	trig, ok, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/heads/main"}, app)
	if err != nil || !ok {
		t.Fatalf("Push main = %v, %v", ok, err)
	}
	// rules gate the push; the run still enters at the entry stage
	if trig.Stage != "" {
		t.Errorf("Stage = %q, want the entry stage", trig.Stage)
	}

	if _, ok, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/heads/feature"}, app); ok || err != nil {
		t.Errorf("Push feature = %v, %v; want unmatched", ok, err)
	}
}

func TestPushTagRules(t *testing.T) {
	n := testNormalizer()
	app := ruledApp()
	tests := []struct {
		ref string
		ok  bool
	}{
		{"refs/tags/hotfix-42", true},
		{"refs/tags/v1.4.2", true},
		{"refs/tags/1.0.0-rc.1", true},
		{"refs/tags/nightly", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			trig, ok, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: tt.ref}, app)
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (trig.Stage != "" || trig.Ref != tt.ref) {
				t.Errorf("trigger = %+v, want entry stage for %s", trig, tt.ref)
			}
		})
	}
}

func TestPushRejectsBadInput(t *testing.T) {
	n := testNormalizer()
	app := ruledApp()
	if _, _, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Ref: "refs/heads/main"}, app); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("missing sha: err = %v", err)
	}
	if _, _, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/notes/x"}, app); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("odd ref: err = %v", err)
	}
	app.Triggers.Tags = []pipeline.TagRule{{Pattern: "(", Stages: []string{"prod"}}}
	if _, _, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/tags/x"}, app); err == nil {
		t.Error("bad regex: expected error")
	}
}

func TestPushIgnoresDeletedRef(t *testing.T) {
	n := testNormalizer()
	_, ok, err := n.Push(PushEvent{Org: "acme", Name: "widgets", Sha: zeroSha, Ref: "refs/heads/main"}, ruledApp())
	if ok || err != nil {
		t.Errorf("Push deleted = %v, %v", ok, err)
	}
}

func TestRepeatedPushIsEquivalent(t *testing.T) {
	app := ruledApp()
	ev := PushEvent{Org: "acme", Name: "widgets", Sha: "abc", Ref: "refs/heads/main", Actor: "alice"}
	n1 := &Normalizer{Now: func() time.Time { return fixedNow }}
	n2 := &Normalizer{Now: func() time.Time { return fixedNow.Add(time.Second) }}

	a, _, _ := n1.Push(ev, app)
	ev.Actor = "bob"
	b, _, _ := n2.Push(ev, app)
	if a.ID != b.ID {
		t.Errorf("ids differ: %s vs %s", a.ID, b.ID)
	}
	if !a.Equivalent(b) {
		t.Error("repeated pushes should normalize to equivalent triggers")
	}

	ev.Sha = "def"
	c, _, _ := n1.Push(ev, app)
	if c.ID == a.ID {
		t.Error("different shas must get different ids")
	}
}

func TestPullRequest(t *testing.T) {
	n := testNormalizer()
	app := ruledApp()
	base := PullRequestEvent{Org: "acme", Name: "widgets", Number: 7, HeadSha: "h1", HeadRef: "release/1.2", BaseRef: "main"}

	for _, action := range []string{"opened", "synchronize", "reopened"} {
		ev := base
		ev.Action = action
		got, err := n.PullRequest(ev, app)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		if got.Deploy == nil || got.Deploy.Stage != "pr-7" || got.Deploy.PullRequest != 7 || got.Deploy.Kind != pipeline.TriggerPullRequest {
			t.Errorf("%s: Deploy = %+v", action, got.Deploy)
		}
		if got.Teardown != nil || got.Merge != nil {
			t.Errorf("%s: unexpected actions %+v", action, got)
		}
	}

	ev := base
	ev.Action = "closed"
	got, err := n.PullRequest(ev, app)
	if err != nil {
		t.Fatalf("closed: %v", err)
	}
	if got.Teardown == nil || got.Teardown.Stage != "pr-7" || got.Merge != nil {
		t.Errorf("closed unmerged = %+v", got)
	}

	ev.Merged = true
	ev.MergeSha = "m1"
	got, err = n.PullRequest(ev, app)
	if err != nil {
		t.Fatalf("merged: %v", err)
	}
	if got.Merge == nil || got.Merge.Sha != "m1" || got.Merge.Stage != "" || got.Merge.Ref != "refs/heads/main" {
		t.Errorf("merged = %+v", got.Merge)
	}
}

func TestPullRequestDeploysDisabled(t *testing.T) {
	n := testNormalizer()
	app := ruledApp()
	app.Triggers.PullRequests.Deploy = false

	got, err := n.PullRequest(PullRequestEvent{Org: "acme", Name: "widgets", Action: "opened", Number: 3, HeadSha: "h"}, app)
	if err != nil {
		t.Fatalf("PullRequest: %v", err)
	}
	if got.Deploy != nil {
		t.Error("no deploy expected when PR deploys are disabled")
	}

	got, _ = n.PullRequest(PullRequestEvent{Org: "acme", Name: "widgets", Action: "closed", Number: 3, HeadSha: "h"}, app)
	if got.Teardown != nil {
		t.Error("untracked PR with deploys disabled needs no teardown")
	}

	app.PullRequests = []pipeline.TrackedPR{{Number: 3}}
	got, _ = n.PullRequest(PullRequestEvent{Org: "acme", Name: "widgets", Action: "closed", Number: 3, HeadSha: "h"}, app)
	if got.Teardown == nil {
		t.Error("tracked PR should be torn down")
	}
}

func TestManual(t *testing.T) {
	n := testNormalizer()
	trig, err := n.Manual(ManualRerun{Org: "acme", Name: "widgets", Stage: "prod", Sha: "abc", Actor: "ops"})
	if err != nil {
		t.Fatalf("Manual: %v", err)
	}
	if trig.Kind != pipeline.TriggerManual || trig.Stage != "prod" || trig.Actor != "ops" {
		t.Errorf("trigger = %+v", trig)
	}
	if _, err := n.Manual(ManualRerun{Org: "acme", Name: "widgets", Sha: "abc"}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("missing stage: err = %v", err)
	}
}

func TestChatCommand(t *testing.T) {
	n := testNormalizer()
	d, err := n.ChatCommand(ChatCommand{DeploymentKey: "acme#widgets#prod#abc", Decision: "Approve", Approver: "alice"})
	if err != nil {
		t.Fatalf("ChatCommand: %v", err)
	}
	if d.Status != pipeline.ApprovalApproved || d.Key.Stage != "prod" || d.Approver != "alice" {
		t.Errorf("decision = %+v", d)
	}

	d, err = n.ChatCommand(ChatCommand{DeploymentKey: "acme#widgets#prod#abc", Decision: "reject", Approver: "bob"})
	if err != nil || d.Status != pipeline.ApprovalRejected {
		t.Errorf("reject = %+v, %v", d, err)
	}

	bad := []ChatCommand{
		{DeploymentKey: "acme#widgets#prod", Decision: "approve", Approver: "alice"},
		{DeploymentKey: "acme#widgets#prod#abc", Decision: "maybe", Approver: "alice"},
		{DeploymentKey: "acme#widgets#prod#abc", Decision: "approve"},
	}
	for _, cmd := range bad {
		if _, err := n.ChatCommand(cmd); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("ChatCommand(%+v) err = %v, want ErrInvalidEvent", cmd, err)
		}
	}
}

func TestDerived(t *testing.T) {
	parent := pipeline.Trigger{ID: "x", Kind: pipeline.TriggerPush, Org: "acme", Name: "widgets", Sha: "abc", Stage: "dev"}
	key := pipeline.DeploymentKey{Org: "acme", Name: "widgets", Stage: "dev", Sha: "abc"}
	d := Derived(parent, "staging", key)
	if d.Stage != "staging" || d.CausedBy != "acme#widgets#dev#abc" || d.Kind != pipeline.TriggerPush {
		t.Errorf("derived = %+v", d)
	}
	if d.ID == parent.ID || d.ID != ID(pipeline.TriggerPush, "acme", "widgets", "staging", "abc") {
		t.Errorf("derived id = %s", d.ID)
	}
}
