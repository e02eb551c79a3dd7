package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
)

// Teardown removes the ephemeral stage of a closed pull request: the PR is
// untracked on the application and the executor tears the stage down.
func (o *Orchestrator) Teardown(ctx context.Context, t pipeline.Trigger) error {
	if t.PullRequest <= 0 {
		return fmt.Errorf("teardown %s: trigger has no pull request", pipeline.AppKey(t.Org, t.Name))
	}
	if _, err := o.topologies.Resolve(ctx, t.Org, t.Name); err != nil {
		return fmt.Errorf("teardown %s: %w", pipeline.AppKey(t.Org, t.Name), err)
	}
	stage := topology.PRStageName(t.PullRequest)

	_, err := pipeline.UpdateApplication(ctx, o.store, t.Org, t.Name, func(app *pipeline.Application) error {
		app.UntrackPR(t.PullRequest)
		return nil
	})
	if errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("teardown %s: %w", pipeline.AppKey(t.Org, t.Name), ErrUnknownApplication)
	}
	if err != nil {
		return fmt.Errorf("untrack pull request %d: %w: %w", t.PullRequest, ErrStoreUnavailable, err)
	}

	if err := o.exec.Teardown(ctx, t.Org, t.Name, stage); err != nil {
		return fmt.Errorf("teardown %s/%s: %w", pipeline.AppKey(t.Org, t.Name), stage, err)
	}
	o.logEvent(ctx, pipeline.DeploymentKey{Org: t.Org, Name: t.Name, Stage: stage, Sha: t.Sha}, "torn_down", t.Actor)
	o.logger.Info("pull request stage torn down", "app", pipeline.AppKey(t.Org, t.Name), "stage", stage)
	return nil
}

// RecoveryReport lists what Recover changed.
type RecoveryReport struct {
	Interrupted []pipeline.DeploymentKey `json:"interrupted"`
	Resumed     []pipeline.DeploymentKey `json:"resumed"`
}

// Recover repairs state left behind by a crash. Deployments in flight for
// longer than staleAfter are failed with cause interrupted and reported to an
// operator; approved deployments that never ran are advanced again.
func (o *Orchestrator) Recover(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var (
		report RecoveryReport
		mu     sync.Mutex
	)

	inFlight, err := o.store.ListInFlight(ctx)
	if err != nil {
		return report, fmt.Errorf("list in-flight deployments: %w: %w", ErrStoreUnavailable, err)
	}
	cutoff := o.now().Add(-staleAfter)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for _, d := range inFlight {
		if d.UpdatedAt.After(cutoff) {
			continue
		}
		g.Go(func() error {
			ok, err := o.interrupt(gctx, d.Key, cutoff)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			report.Interrupted = append(report.Interrupted, d.Key)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	approved, err := o.store.ListApproved(ctx)
	if err != nil {
		return report, fmt.Errorf("list approved deployments: %w: %w", ErrStoreUnavailable, err)
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for _, d := range approved {
		g.Go(func() error {
			_, err := o.Advance(gctx, o.normalizer.ChatApproval(d.Key, d.ApprovedBy))
			switch {
			case errors.Is(err, ErrConcurrencyConflict):
				o.logger.Info("approved deployment still blocked", "deployment", d.Key.String())
				return nil
			case err != nil:
				return fmt.Errorf("resume %s: %w", d.Key, err)
			}
			mu.Lock()
			report.Resumed = append(report.Resumed, d.Key)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	sortKeys(report.Interrupted)
	sortKeys(report.Resumed)
	return report, err
}

// interrupt fails a stale in-flight deployment. The record is read again
// first, so a deployment that completed or restarted after the listing keeps
// its fields. It reports false when nothing was interrupted.
func (o *Orchestrator) interrupt(ctx context.Context, key pipeline.DeploymentKey, cutoff time.Time) (bool, error) {
	d, err := o.store.GetDeployment(ctx, key)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("interrupt %s: %w: %w", key, ErrStoreUnavailable, err)
	}
	if !d.IsDeploying || d.UpdatedAt.After(cutoff) {
		return false, nil
	}

	d.IsDeploying = false
	d.WasSuccess = pipeline.Bool(false)
	d.FailureCause = pipeline.CauseInterrupted
	d.UpdatedAt = o.now().UTC()
	err = o.store.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectDeploying())
	if errors.Is(err, pipeline.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("interrupt %s: %w: %w", key, ErrStoreUnavailable, err)
	}

	var topo topology.Topology
	if resolved, err := o.topologies.Resolve(ctx, key.Org, key.Name); err == nil {
		topo = resolved
	}
	o.logEvent(ctx, key, "deployment_interrupted", "")
	o.notify(ctx, topo, notify.OperatorAlert, key, map[string]any{
		"reason":        "deployment interrupted",
		"deploying_for": o.now().Sub(d.CreatedAt).Round(time.Second).String(),
	})
	o.logger.Warn("stale deployment marked interrupted", "deployment", key.String())
	return true, nil
}

func sortKeys(keys []pipeline.DeploymentKey) {
	slices.SortFunc(keys, func(a, b pipeline.DeploymentKey) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Status returns an application's deployments ordered by topology stage and,
// within a stage, by insertion order. Pull request stages come last.
func (o *Orchestrator) Status(ctx context.Context, org, name string) ([]pipeline.Deployment, error) {
	topo, err := o.topologies.Resolve(ctx, org, name)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", pipeline.AppKey(org, name), err)
	}
	deps, err := o.store.ListDeployments(ctx, org, name)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w: %w", pipeline.AppKey(org, name), ErrStoreUnavailable, err)
	}

	rank := func(stage string) (int, int) {
		if i := topo.Index(stage); i >= 0 {
			return i, 0
		}
		if n, ok := topology.PRNumber(stage); ok {
			return len(topo.Stages), n
		}
		return len(topo.Stages) + 1, 0
	}
	slices.SortStableFunc(deps, func(a, b pipeline.Deployment) int {
		ai, an := rank(a.Key.Stage)
		bi, bn := rank(b.Key.Stage)
		if ai != bi {
			return ai - bi
		}
		if an != bn {
			return an - bn
		}
		if a.Key.Stage != b.Key.Stage {
			return strings.Compare(a.Key.Stage, b.Key.Stage)
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return deps, nil
}
