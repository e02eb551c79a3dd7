package orchestrator

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/conveyor/internal/executor"
	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
)

// run executes a deployment that this call moved to IsDeploying=true and
// records the outcome. The chain continues only once the success write is
// confirmed.
func (o *Orchestrator) run(ctx context.Context, topo topology.Topology, st topology.Stage, t pipeline.Trigger, d pipeline.Deployment) (StageStep, *pipeline.Trigger, error) {
	key := d.Key
	step := StageStep{Stage: st.Name, Sha: key.Sha}
	log := o.logger.With("deployment", key.String())

	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	o.logEvent(ctx, key, "deployment_started", string(t.Kind))
	o.notify(ctx, topo, notify.DeploymentStarted, key, map[string]any{"trigger": string(t.Kind), "actor": t.Actor})
	log.Info("deployment started", "account", st.Account)

	start := o.now()
	res, attempts, cause, execErr := o.execute(ctx, executor.Request{
		Org:         key.Org,
		Name:        key.Name,
		Stage:       key.Stage,
		Sha:         key.Sha,
		Account:     st.Account,
		TriggerKind: t.Kind,
		Artifacts:   d.Artifacts(),
	})
	success := cause == pipeline.CauseNone

	d.IsDeploying = false
	d.WasSuccess = pipeline.Bool(success)
	d.FailureCause = cause
	d.Attempts = attempts
	d.UpdatedAt = o.now().UTC()
	if success {
		if res.ArtifactBucket != "" {
			d.ArtifactBucket = res.ArtifactBucket
		}
		if res.ArtifactFolder != "" {
			d.ArtifactFolder = res.ArtifactFolder
		}
	}

	// the completion write must land even when the caller gave up waiting
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := o.store.PutIfAbsentOrStatusMatches(wctx, d, pipeline.ExpectDeploying()); err != nil {
		return StageStep{}, nil, o.unconfirmed(ctx, topo, key, "record completion", err)
	}

	step.Attempts = attempts
	step.Cause = cause
	elapsed := o.now().Sub(start).Round(time.Millisecond)
	if !success {
		step.Result = ResultFailed
		extra := map[string]any{"cause": string(cause), "attempts": attempts}
		if execErr != nil {
			extra["error"] = execErr.Error()
		}
		if res.Output != "" {
			extra["output"] = tail(res.Output, maxNotifyOutput)
		}
		o.logEvent(ctx, key, "deployment_failed", string(cause))
		o.notify(ctx, topo, notify.DeploymentFailed, key, extra)
		log.Warn("deployment failed", "cause", string(cause), "attempts", attempts, "elapsed", elapsed, "err", execErr)
		return step, nil, nil
	}

	step.Result = ResultSucceeded
	o.logEvent(ctx, key, "deployment_succeeded", "")
	o.notify(ctx, topo, notify.DeploymentSucceeded, key, map[string]any{
		"artifact_bucket": d.ArtifactBucket,
		"artifact_folder": d.ArtifactFolder,
		"attempts":        attempts,
	})
	log.Info("deployment succeeded", "attempts", attempts, "elapsed", elapsed)
	return step, o.nextTrigger(topo, st, t, key), nil
}

// execute calls the executor under the stage timeout, retrying transient
// errors with exponential backoff. The returned cause is CauseNone on success.
func (o *Orchestrator) execute(ctx context.Context, req executor.Request) (executor.Result, int, pipeline.FailureCause, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		res, err := o.exec.Execute(ctx, req)
		switch {
		case err == nil && res.Success:
			return res, attempt, pipeline.CauseNone, nil
		case err == nil:
			return res, attempt, pipeline.CauseExecutorFailed, nil
		case errors.Is(err, executor.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return res, attempt, pipeline.CauseTimeout, err
		case ctx.Err() != nil:
			return res, attempt, pipeline.CauseInterrupted, err
		case !executor.IsTransient(err) || attempt > o.maxRetries:
			return res, attempt, pipeline.CauseExecutorError, err
		}

		delay := o.backoff(attempt)
		o.logger.Info("transient executor error, retrying",
			"stage", req.Stage, "sha", req.Sha, "attempt", attempt, "delay", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return res, attempt, pipeline.CauseTimeout, executor.ErrTimeout
			}
			return res, attempt, pipeline.CauseInterrupted, ctx.Err()
		}
	}
}

// backoff doubles the retry delay per attempt, capped at maxRetryDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.retryDelay
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// maxNotifyOutput caps the command output carried by a failure notification.
const maxNotifyOutput = 2048

// tail keeps the last n bytes of s, cut at a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return "..." + s
}
