// Package dbtest provides contract tests for [pipeline.Store] implementations.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

// Factory creates a fresh, empty [pipeline.Store] for each test.
type Factory func(t *testing.T) pipeline.Store

func key(stage, sha string) pipeline.DeploymentKey {
	return pipeline.DeploymentKey{Org: "acme", Name: "widgets", Stage: stage, Sha: sha}
}

func sample(stage, sha string) pipeline.Deployment {
	k := key(stage, sha)
	return pipeline.Deployment{
		Key:            k,
		ApprovalStatus: pipeline.ApprovalNotNeeded,
		Trigger: pipeline.Trigger{
			ID:        "t-" + sha,
			Kind:      pipeline.TriggerPush,
			Org:       k.Org,
			Name:      k.Name,
			Sha:       sha,
			Ref:       "refs/heads/main",
			Actor:     "octocat",
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func mustPut(t *testing.T, s pipeline.Store, d pipeline.Deployment, e pipeline.Expectation) {
	t.Helper()
	if err := s.PutIfAbsentOrStatusMatches(context.Background(), d, e); err != nil {
		t.Fatalf("PutIfAbsentOrStatusMatches(%s): %v", d.Key, err)
	}
}

// Run exercises the [pipeline.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := sample("dev", "abc")
		d.IsDeploying = true
		d.CausedBy = pipeline.String("acme#widgets#build#abc")
		d.ArtifactBucket = "artifacts"
		d.ArtifactFolder = "acme/widgets/abc"
		mustPut(t, s, d, pipeline.ExpectAbsent())

		got, err := s.GetDeployment(ctx, d.Key)
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.Key != d.Key {
			t.Errorf("Key = %+v, want %+v", got.Key, d.Key)
		}
		if !got.IsDeploying {
			t.Error("IsDeploying = false, want true")
		}
		if got.WasSuccess != nil {
			t.Errorf("WasSuccess = %v, want nil", *got.WasSuccess)
		}
		if got.CausedBy == nil || *got.CausedBy != "acme#widgets#build#abc" {
			t.Errorf("CausedBy = %v", got.CausedBy)
		}
		if got.Artifacts() != (pipeline.ArtifactRefs{Bucket: "artifacts", Folder: "acme/widgets/abc"}) {
			t.Errorf("Artifacts = %+v", got.Artifacts())
		}
		if !got.Trigger.Equivalent(d.Trigger) || got.Trigger.Ref != "refs/heads/main" {
			t.Errorf("Trigger = %+v, want %+v", got.Trigger, d.Trigger)
		}
		if got.ApprovalStatus != pipeline.ApprovalNotNeeded {
			t.Errorf("ApprovalStatus = %q", got.ApprovalStatus)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetDeployment(context.Background(), key("dev", "missing"))
		if !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("GetDeployment: got %v, want ErrNotFound", err)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := factory(t)
		mustPut(t, s, sample("dev", "abc"), pipeline.ExpectAbsent())
		err := s.PutIfAbsentOrStatusMatches(context.Background(), sample("dev", "abc"), pipeline.ExpectAbsent())
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("second create: got %v, want ErrConditionFailed", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := factory(t)
		err := s.PutIfAbsentOrStatusMatches(context.Background(), sample("dev", "abc"), pipeline.ExpectIdle(""))
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("update missing: got %v, want ErrConditionFailed", err)
		}
	})

	t.Run("ConditionalTransitions", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := sample("dev", "abc")
		mustPut(t, s, d, pipeline.ExpectAbsent())

		// idle -> deploying
		d.IsDeploying = true
		mustPut(t, s, d, pipeline.ExpectIdle(pipeline.ApprovalNotNeeded))

		// a second idle -> deploying loses
		err := s.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectIdle(pipeline.ApprovalNotNeeded))
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("repeat start: got %v, want ErrConditionFailed", err)
		}

		// deploying -> succeeded
		d.IsDeploying = false
		d.WasSuccess = pipeline.Bool(true)
		d.Attempts = 2
		mustPut(t, s, d, pipeline.ExpectDeploying())

		got, err := s.GetDeployment(ctx, d.Key)
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.IsDeploying || !got.Succeeded() || got.Attempts != 2 {
			t.Errorf("got IsDeploying=%v Succeeded=%v Attempts=%d", got.IsDeploying, got.Succeeded(), got.Attempts)
		}

		// completing twice loses
		err = s.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectDeploying())
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("repeat completion: got %v, want ErrConditionFailed", err)
		}
	})

	t.Run("ApprovalStatusCondition", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := sample("prod", "abc")
		d.ApprovalStatus = pipeline.ApprovalUnasked
		mustPut(t, s, d, pipeline.ExpectAbsent())

		d.ApprovalStatus = pipeline.ApprovalApproved
		d.ApprovedBy = "alice"
		err := s.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectIdle(pipeline.ApprovalPending))
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("resolve unasked: got %v, want ErrConditionFailed", err)
		}

		d.ApprovalStatus = pipeline.ApprovalPending
		d.ApprovedBy = ""
		mustPut(t, s, d, pipeline.ExpectIdle(pipeline.ApprovalUnasked))

		d.ApprovalStatus = pipeline.ApprovalApproved
		d.ApprovedBy = "alice"
		mustPut(t, s, d, pipeline.ExpectIdle(pipeline.ApprovalPending))

		got, err := s.GetDeployment(ctx, d.Key)
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.ApprovalStatus != pipeline.ApprovalApproved || got.ApprovedBy != "alice" {
			t.Errorf("got %q by %q", got.ApprovalStatus, got.ApprovedBy)
		}
	})

	t.Run("OneInFlightPerStage", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		first := sample("dev", "aaa")
		first.IsDeploying = true
		mustPut(t, s, first, pipeline.ExpectAbsent())

		second := sample("dev", "bbb")
		second.IsDeploying = true
		err := s.PutIfAbsentOrStatusMatches(ctx, second, pipeline.ExpectAbsent())
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("second in-flight create: got %v, want ErrConditionFailed", err)
		}

		// an idle record of the same stage may exist, but cannot start
		second.IsDeploying = false
		mustPut(t, s, second, pipeline.ExpectAbsent())
		second.IsDeploying = true
		err = s.PutIfAbsentOrStatusMatches(ctx, second, pipeline.ExpectIdle(""))
		if !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("second in-flight start: got %v, want ErrConditionFailed", err)
		}

		// other stages are independent
		other := sample("staging", "aaa")
		other.IsDeploying = true
		mustPut(t, s, other, pipeline.ExpectAbsent())

		// once the first completes the second may start
		first.IsDeploying = false
		first.WasSuccess = pipeline.Bool(false)
		first.FailureCause = pipeline.CauseExecutorFailed
		mustPut(t, s, first, pipeline.ExpectDeploying())
		mustPut(t, s, second, pipeline.ExpectIdle(""))

		got, err := s.GetDeployment(ctx, first.Key)
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.FailureCause != pipeline.CauseExecutorFailed {
			t.Errorf("FailureCause = %q", got.FailureCause)
		}
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		s := factory(t)
		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d := sample("dev", "abc")
				d.IsDeploying = true
				err := s.PutIfAbsentOrStatusMatches(context.Background(), d, pipeline.ExpectAbsent())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, pipeline.ErrConditionFailed):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 || conflicts != n-1 {
			t.Fatalf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, n-1)
		}
	})

	t.Run("Listings", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		mustPut(t, s, sample("dev", "s1"), pipeline.ExpectAbsent())
		mustPut(t, s, sample("dev", "s2"), pipeline.ExpectAbsent())
		running := sample("staging", "s1")
		running.IsDeploying = true
		mustPut(t, s, running, pipeline.ExpectAbsent())
		approved := sample("prod", "s0")
		approved.ApprovalStatus = pipeline.ApprovalApproved
		mustPut(t, s, approved, pipeline.ExpectAbsent())
		done := sample("prod", "s9")
		done.ApprovalStatus = pipeline.ApprovalApproved
		done.WasSuccess = pipeline.Bool(true)
		mustPut(t, s, done, pipeline.ExpectAbsent())
		foreign := sample("dev", "zzz")
		foreign.Key.Name = "gadgets"
		foreign.IsDeploying = true
		mustPut(t, s, foreign, pipeline.ExpectAbsent())

		all, err := s.ListDeployments(ctx, "acme", "widgets")
		if err != nil {
			t.Fatalf("ListDeployments: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("ListDeployments = %d records, want 5", len(all))
		}
		var devShas []string
		for _, d := range all {
			if d.Key.Name != "widgets" {
				t.Errorf("foreign record %s listed", d.Key)
			}
			if d.Key.Stage == "dev" {
				devShas = append(devShas, d.Key.Sha)
			}
		}
		if len(devShas) != 2 || devShas[0] != "s1" || devShas[1] != "s2" {
			t.Errorf("dev shas = %v, want [s1 s2]", devShas)
		}

		inFlight, err := s.ListInFlight(ctx)
		if err != nil {
			t.Fatalf("ListInFlight: %v", err)
		}
		if len(inFlight) != 2 {
			t.Errorf("ListInFlight = %d records, want 2", len(inFlight))
		}

		pending, err := s.ListApproved(ctx)
		if err != nil {
			t.Fatalf("ListApproved: %v", err)
		}
		if len(pending) != 1 || pending[0].Key != approved.Key {
			t.Errorf("ListApproved = %+v, want only %s", pending, approved.Key)
		}
	})

	t.Run("Applications", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if _, err := s.GetApplication(ctx, "acme", "widgets"); !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("GetApplication missing: got %v, want ErrNotFound", err)
		}

		app := pipeline.Application{
			Org:     "acme",
			Name:    "widgets",
			Channel: "#deploys",
			Approvals: map[string]pipeline.ApprovalGroup{
				"leads": {Type: "slack", People: []string{"alice"}},
			},
			Triggers: pipeline.TriggerConfig{
				Merges: []pipeline.MergeRule{{ToBranch: "main", Stages: []string{"dev"}}},
			},
			Stages: []pipeline.StageDef{
				{Name: "dev"},
				{Name: "prod", ApprovalRequired: true, Approvers: "leads"},
			},
		}
		if err := s.PutApplication(ctx, app, 0); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.PutApplication(ctx, app, 0); !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("duplicate create: got %v, want ErrConditionFailed", err)
		}

		got, err := s.GetApplication(ctx, "acme", "widgets")
		if err != nil {
			t.Fatalf("GetApplication: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
		if len(got.Stages) != 2 || !got.Stages[1].ApprovalRequired || got.Stages[1].Approvers != "leads" {
			t.Errorf("Stages = %+v", got.Stages)
		}
		if got.Approvals["leads"].People[0] != "alice" {
			t.Errorf("Approvals = %+v", got.Approvals)
		}

		got.TrackPR(pipeline.TrackedPR{Number: 4, HeadSha: "abc"})
		if err := s.PutApplication(ctx, got, 1); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.PutApplication(ctx, got, 1); !errors.Is(err, pipeline.ErrConditionFailed) {
			t.Fatalf("stale update: got %v, want ErrConditionFailed", err)
		}

		got, err = s.GetApplication(ctx, "acme", "widgets")
		if err != nil {
			t.Fatalf("GetApplication: %v", err)
		}
		if got.Version != 2 || len(got.PullRequests) != 1 {
			t.Errorf("Version = %d, PullRequests = %+v", got.Version, got.PullRequests)
		}

		if err := s.PutApplication(ctx, pipeline.Application{Org: "acme", Name: "gadgets"}, 0); err != nil {
			t.Fatalf("create second: %v", err)
		}
		apps, err := s.ListApplications(ctx)
		if err != nil {
			t.Fatalf("ListApplications: %v", err)
		}
		if len(apps) != 2 || apps[0].Name != "gadgets" || apps[1].Name != "widgets" {
			t.Errorf("ListApplications = %+v", apps)
		}
	})

	t.Run("EventLog", func(t *testing.T) {
		s := factory(t)
		log, ok := s.(pipeline.EventLog)
		if !ok {
			t.Skip("store keeps no event log")
		}
		ctx := context.Background()
		for _, ev := range []string{"created", "started", "succeeded"} {
			if err := log.LogEvent(ctx, pipeline.Event{Org: "acme", Name: "widgets", Stage: "dev", Sha: "abc", Event: ev}); err != nil {
				t.Fatalf("LogEvent: %v", err)
			}
		}
		events, err := log.ListEvents(ctx, "acme", "widgets", 2)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 2 || events[0].Event != "succeeded" || events[1].Event != "started" {
			t.Errorf("ListEvents = %+v", events)
		}
	})
}
