package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/conveyor/internal/db"
	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

type recordingAdvancer struct {
	mu       sync.Mutex
	triggers []pipeline.Trigger
	err      error
}

func (r *recordingAdvancer) Resume(_ context.Context, t pipeline.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
	return r.err
}

func (r *recordingAdvancer) calls() []pipeline.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Trigger(nil), r.triggers...)
}

type testEnv struct {
	gate     *Gate
	db       *db.DB
	recorder *notify.Recorder
	advancer *recordingAdvancer
}

var prodKey = pipeline.DeploymentKey{Org: "acme", Name: "widgets", Stage: "prod", Sha: "abc123"}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	database := db.OpenTestDB(t)
	topo := topology.Topology{
		Org:     "acme",
		Name:    "widgets",
		Channel: "#deploys",
		Stages: []topology.Stage{
			{Name: "dev"},
			{Name: "prod", ApprovalRequired: true, ApprovalGroup: "leads", Approvers: []string{"alice", "bob"}},
		},
	}
	rec := &notify.Recorder{}
	adv := &recordingAdvancer{}
	g := NewGate(database, topology.NewStatic(topo), rec,
		WithEventLog(database),
		WithClock(func() time.Time { return fixedNow }))
	g.SetAdvancer(adv)
	return &testEnv{gate: g, db: database, recorder: rec, advancer: adv}
}

func (e *testEnv) seed(t *testing.T, key pipeline.DeploymentKey, status pipeline.ApprovalStatus) {
	t.Helper()
	d := pipeline.Deployment{
		Key:            key,
		ApprovalStatus: status,
		Trigger:        pipeline.Trigger{Kind: pipeline.TriggerPush, Org: key.Org, Name: key.Name, Sha: key.Sha, Stage: key.Stage},
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
	if err := e.db.PutIfAbsentOrStatusMatches(context.Background(), d, pipeline.ExpectAbsent()); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func (e *testEnv) status(t *testing.T, key pipeline.DeploymentKey) pipeline.ApprovalStatus {
	t.Helper()
	d, err := e.db.GetDeployment(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return d.ApprovalStatus
}

func TestRequestApproval(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.seed(t, prodKey, pipeline.ApprovalUnasked)

	if err := env.gate.RequestApproval(ctx, prodKey); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if got := env.status(t, prodKey); got != pipeline.ApprovalPending {
		t.Errorf("status = %s, want Pending", got)
	}

	sent := env.recorder.Sent()
	if len(sent) != 1 || sent[0].Kind != notify.ApprovalRequested || sent[0].Channel != "#deploys" {
		t.Fatalf("notifications = %+v", sent)
	}
	approvers, _ := sent[0].Payload["approvers"].([]string)
	if len(approvers) != 2 || sent[0].Payload["deployment"] != "acme#widgets#prod#abc123" {
		t.Errorf("payload = %+v", sent[0].Payload)
	}

	events, err := env.db.ListEvents(ctx, "acme", "widgets", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Event != "approval_requested" {
		t.Errorf("events = %+v", events)
	}
}

func TestRequestApprovalTwice(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.seed(t, prodKey, pipeline.ApprovalUnasked)

	if err := env.gate.RequestApproval(ctx, prodKey); err != nil {
		t.Fatalf("first RequestApproval: %v", err)
	}
	if err := env.gate.RequestApproval(ctx, prodKey); !errors.Is(err, ErrAlreadyAsked) {
		t.Fatalf("second RequestApproval err = %v, want ErrAlreadyAsked", err)
	}
	if n := env.recorder.Count(notify.ApprovalRequested); n != 1 {
		t.Errorf("prompts sent = %d, want 1", n)
	}
}

func TestRequestApprovalMissing(t *testing.T) {
	env := setupTest(t)
	if err := env.gate.RequestApproval(context.Background(), prodKey); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveApprove(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.seed(t, prodKey, pipeline.ApprovalPending)

	status, err := env.gate.Resolve(ctx, prodKey, pipeline.ApprovalApproved, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if status != pipeline.ApprovalApproved {
		t.Errorf("status = %s", status)
	}
	d, _ := env.db.GetDeployment(ctx, prodKey)
	if d.ApprovalStatus != pipeline.ApprovalApproved || d.ApprovedBy != "alice" {
		t.Errorf("stored = %s by %q", d.ApprovalStatus, d.ApprovedBy)
	}

	calls := env.advancer.calls()
	if len(calls) != 1 {
		t.Fatalf("advances = %d, want 1", len(calls))
	}
	trig := calls[0]
	if trig.Kind != pipeline.TriggerChatApproval || trig.Stage != "prod" || trig.Sha != "abc123" || trig.Actor != "alice" {
		t.Errorf("resume trigger = %+v", trig)
	}
}

func TestResolveReject(t *testing.T) {
	env := setupTest(t)
	env.seed(t, prodKey, pipeline.ApprovalPending)

	status, err := env.gate.Resolve(context.Background(), prodKey, pipeline.ApprovalRejected, "bob")
	if err != nil || status != pipeline.ApprovalRejected {
		t.Fatalf("Resolve = %s, %v", status, err)
	}
	if got := env.status(t, prodKey); got != pipeline.ApprovalRejected {
		t.Errorf("status = %s, want Rejected", got)
	}
	// the orchestrator decides what a rejection means; the gate only resumes
	if len(env.advancer.calls()) != 1 {
		t.Error("a rejection must also resume through the advancer")
	}
}

func TestResolveTwice(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.seed(t, prodKey, pipeline.ApprovalPending)

	if _, err := env.gate.Resolve(ctx, prodKey, pipeline.ApprovalApproved, "alice"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := env.gate.Resolve(ctx, prodKey, pipeline.ApprovalRejected, "bob"); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("second Resolve err = %v, want ErrNoPendingApproval", err)
	}
	if got := env.status(t, prodKey); got != pipeline.ApprovalApproved {
		t.Errorf("status = %s, want Approved", got)
	}
	if len(env.advancer.calls()) != 1 {
		t.Errorf("advances = %d, want 1", len(env.advancer.calls()))
	}
}

func TestResolveConcurrent(t *testing.T) {
	env := setupTest(t)
	env.seed(t, prodKey, pipeline.ApprovalPending)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := pipeline.ApprovalApproved
			if i%2 == 1 {
				decision = pipeline.ApprovalRejected
			}
			_, err := env.gate.Resolve(context.Background(), prodKey, decision, "alice")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrNoPendingApproval) {
				t.Errorf("Resolve: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
	if len(env.advancer.calls()) != 1 {
		t.Errorf("advances = %d, want 1", len(env.advancer.calls()))
	}
}

func TestResolveNotPending(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.seed(t, prodKey, pipeline.ApprovalUnasked)

	if _, err := env.gate.Resolve(ctx, prodKey, pipeline.ApprovalApproved, "alice"); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("Unasked: err = %v, want ErrNoPendingApproval", err)
	}
	missing := prodKey
	missing.Sha = "nope"
	if _, err := env.gate.Resolve(ctx, missing, pipeline.ApprovalApproved, "alice"); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("missing: err = %v, want ErrNoPendingApproval", err)
	}
}

func TestResolveApproverNotAllowed(t *testing.T) {
	env := setupTest(t)
	env.seed(t, prodKey, pipeline.ApprovalPending)

	_, err := env.gate.Resolve(context.Background(), prodKey, pipeline.ApprovalApproved, "mallory")
	if !errors.Is(err, ErrApproverNotAllowed) {
		t.Fatalf("err = %v, want ErrApproverNotAllowed", err)
	}
	if got := env.status(t, prodKey); got != pipeline.ApprovalPending {
		t.Errorf("status = %s, want Pending", got)
	}
	if len(env.advancer.calls()) != 0 {
		t.Error("no advance expected")
	}
}

func TestResolveInvalidDecision(t *testing.T) {
	env := setupTest(t)
	env.seed(t, prodKey, pipeline.ApprovalPending)

	if _, err := env.gate.Resolve(context.Background(), prodKey, pipeline.ApprovalNotNeeded, "alice"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("err = %v, want ErrInvalidDecision", err)
	}
}

func TestResolveResumeFailure(t *testing.T) {
	env := setupTest(t)
	env.seed(t, prodKey, pipeline.ApprovalPending)
	boom := errors.New("boom")
	env.advancer.err = boom

	status, err := env.gate.Resolve(context.Background(), prodKey, pipeline.ApprovalApproved, "alice")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if status != pipeline.ApprovalApproved {
		t.Errorf("status = %s, want the recorded decision", status)
	}
	if got := env.status(t, prodKey); got != pipeline.ApprovalApproved {
		t.Errorf("stored = %s, want Approved", got)
	}
}
