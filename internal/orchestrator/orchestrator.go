// Package orchestrator drives commits through an application's ordered
// stages. It keeps no state between calls: every decision is made from the
// stored deployment records and every transition is a conditional write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/conveyor/internal/approval"
	"github.com/lucasnoah/conveyor/internal/executor"
	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

var (
	ErrUnknownApplication = topology.ErrUnknownApplication
	ErrUnknownStage       = topology.ErrUnknownStage

	// ErrConcurrencyConflict means a conditional write lost a race. The
	// request is dropped; the winner carries on.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAlreadyInFlight means the deployment is running right now.
	ErrAlreadyInFlight = fmt.Errorf("already in flight: %w", ErrConcurrencyConflict)

	// ErrPredecessorNotSucceeded means the previous stage has no successful
	// deployment of the same commit.
	ErrPredecessorNotSucceeded = errors.New("predecessor stage has not succeeded")

	// ErrStoreUnavailable means the store failed, or did not confirm a
	// mutation. The outcome of an unconfirmed mutation is unknown.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Result is the outcome of one stage step.
type Result string

const (
	ResultSucceeded        Result = "succeeded"
	ResultFailed           Result = "failed"
	ResultAwaitingApproval Result = "awaiting_approval"
	ResultRejected         Result = "rejected"
	ResultAlreadySucceeded Result = "already_succeeded"
	ResultAlreadyFailed    Result = "already_failed"
)

// StageStep records what Advance did for one stage.
type StageStep struct {
	Stage    string                `json:"stage"`
	Sha      string                `json:"sha"`
	Result   Result                `json:"result"`
	Cause    pipeline.FailureCause `json:"cause,omitempty"`
	Attempts int                   `json:"attempts,omitempty"`
}

// AdvanceOutcome describes everything one Advance call did.
type AdvanceOutcome struct {
	Org    string      `json:"org"`
	Name   string      `json:"name"`
	Sha    string      `json:"sha"`
	Steps  []StageStep `json:"steps"`
	Result Result      `json:"result,omitempty"`
}

func (o *AdvanceOutcome) add(s StageStep) {
	o.Steps = append(o.Steps, s)
	o.Result = s.Result
}

// Approver issues approval prompts.
type Approver interface {
	RequestApproval(ctx context.Context, key pipeline.DeploymentKey) error
}

const (
	defaultStageTimeout = 30 * time.Minute
	defaultMaxRetries   = 3
	defaultRetryDelay   = 2 * time.Second
	maxRetryDelay       = time.Minute
	writeTimeout        = 30 * time.Second
	recoverConcurrency  = 4
)

// Orchestrator composes the pipeline state machine.
type Orchestrator struct {
	store      pipeline.Store
	events     pipeline.EventLog
	topologies topology.Resolver
	gate       Approver
	exec       executor.Executor
	notifier   notify.Notifier
	normalizer *trigger.Normalizer
	artifacts  executor.ArtifactLocator
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	stageTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStageTimeout bounds each stage execution, retries included.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithRetries sets how often transient executor errors are retried and the
// initial backoff delay.
func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if maxRetries >= 0 {
			o.maxRetries = maxRetries
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithArtifacts sets the locator supplying default artifact references.
func WithArtifacts(l executor.ArtifactLocator) Option {
	return func(o *Orchestrator) { o.artifacts = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.normalizer = &trigger.Normalizer{Now: now}
	}
}

// New creates an Orchestrator. When store also implements pipeline.EventLog,
// transitions are recorded there.
func New(store pipeline.Store, topologies topology.Resolver, gate Approver, exec executor.Executor, notifier notify.Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		topologies:   topologies,
		gate:         gate,
		exec:         exec,
		notifier:     notifier,
		normalizer:   trigger.New(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/lucasnoah/conveyor/internal/orchestrator"),
		now:          time.Now,
		stageTimeout: defaultStageTimeout,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
	if l, ok := store.(pipeline.EventLog); ok {
		o.events = l
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ approval.Advancer = (*Orchestrator)(nil)

// Resume implements approval.Advancer.
func (o *Orchestrator) Resume(ctx context.Context, t pipeline.Trigger) error {
	_, err := o.Advance(ctx, t)
	return err
}

// Advance drives a trigger through as many stages as it can: it runs the
// target stage when allowed and chains every success into the next stage.
// The outcome lists the steps taken even when an error stops the chain.
func (o *Orchestrator) Advance(ctx context.Context, t pipeline.Trigger) (_ *AdvanceOutcome, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance", trace.WithAttributes(
		attribute.String("org", t.Org),
		attribute.String("app", t.Name),
		attribute.String("sha", t.Sha),
		attribute.String("trigger.kind", string(t.Kind)),
		attribute.String("trigger.stage", t.Stage),
	))
	defer endSpan(span, &err)

	out := &AdvanceOutcome{Org: t.Org, Name: t.Name, Sha: t.Sha}
	if t.Org == "" || t.Name == "" || t.Sha == "" {
		return out, fmt.Errorf("advance: trigger needs org, name and sha")
	}

	topo, err := o.topologies.Resolve(ctx, t.Org, t.Name)
	if err != nil {
		return out, fmt.Errorf("advance %s: %w", pipeline.AppKey(t.Org, t.Name), err)
	}

	// each stage is visited at most once per call
	for range len(topo.Stages) + 1 {
		step, next, err := o.advanceStage(ctx, topo, t)
		if step.Stage != "" {
			out.add(step)
		}
		if err != nil {
			return out, err
		}
		if next == nil {
			return out, nil
		}
		t = *next
	}
	return out, nil
}

// advanceStage handles the stage t targets. It returns the trigger for the
// next stage when the chain continues.
func (o *Orchestrator) advanceStage(ctx context.Context, topo topology.Topology, t pipeline.Trigger) (StageStep, *pipeline.Trigger, error) {
	st, err := topo.ForTrigger(t)
	if err != nil {
		return StageStep{}, nil, err
	}
	key := pipeline.DeploymentKey{Org: t.Org, Name: t.Name, Stage: st.Name, Sha: t.Sha}
	step := StageStep{Stage: st.Name, Sha: t.Sha}
	log := o.logger.With("deployment", key.String(), "trigger", string(t.Kind))

	var (
		causedBy *string
		upstream pipeline.ArtifactRefs
	)
	if prev, ok := topo.Previous(st.Name); ok {
		prevKey := pipeline.DeploymentKey{Org: t.Org, Name: t.Name, Stage: prev.Name, Sha: t.Sha}
		pd, err := o.store.GetDeployment(ctx, prevKey)
		if errors.Is(err, pipeline.ErrNotFound) {
			return StageStep{}, nil, fmt.Errorf("%s: %s has no deployment: %w", key, prevKey, ErrPredecessorNotSucceeded)
		}
		if err != nil {
			return StageStep{}, nil, storeErr("read predecessor", prevKey, err)
		}
		if !pd.Succeeded() {
			return StageStep{}, nil, fmt.Errorf("%s: %s is %s: %w", key, prevKey, pd.State(), ErrPredecessorNotSucceeded)
		}
		causedBy = pipeline.String(prevKey.String())
		upstream = pd.Artifacts()
	}

	d, err := o.store.GetDeployment(ctx, key)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return o.create(ctx, topo, st, t, key, causedBy, upstream)
	case err != nil:
		return StageStep{}, nil, storeErr("read deployment", key, err)
	}

	switch {
	case d.IsDeploying:
		log.Info("deployment already in flight")
		return StageStep{}, nil, fmt.Errorf("%s: %w", key, ErrAlreadyInFlight)

	case d.Succeeded():
		step.Result = ResultAlreadySucceeded
		log.Info("deployment already succeeded")
		return step, o.nextTrigger(topo, st, t, key), nil

	case d.Failed() && !t.Rerun():
		step.Result = ResultAlreadyFailed
		step.Cause = d.FailureCause
		return step, nil, nil

	case d.ApprovalStatus == pipeline.ApprovalRejected:
		step.Result = ResultRejected
		if t.Kind == pipeline.TriggerChatApproval {
			o.logEvent(ctx, key, "pipeline_halted", d.ApprovedBy)
			o.notify(ctx, topo, notify.PipelineHalted, key, map[string]any{"rejected_by": d.ApprovedBy})
		}
		log.Info("pipeline halted by rejection", "rejected_by", d.ApprovedBy)
		return step, nil, nil

	case d.ApprovalStatus == pipeline.ApprovalUnasked:
		return o.awaitApproval(ctx, key, step)

	case d.ApprovalStatus == pipeline.ApprovalPending:
		step.Result = ResultAwaitingApproval
		return step, nil, nil
	}

	if !d.ApprovalStatus.AllowsExecution() {
		return StageStep{}, nil, fmt.Errorf("%s: unexpected approval status %q", key, d.ApprovalStatus)
	}

	// Approved or NotNeeded, and either never run or failed and named by a
	// manual re-run.
	prior := d.ApprovalStatus
	if d.Failed() {
		d.Trigger = t
		log.Info("manual re-run of failed deployment", "actor", t.Actor)
	}
	d.IsDeploying = true
	d.WasSuccess = nil
	d.FailureCause = pipeline.CauseNone
	d.Attempts = 0
	d.UpdatedAt = o.now().UTC()
	if err := o.store.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectIdle(prior)); err != nil {
		if errors.Is(err, pipeline.ErrConditionFailed) {
			return StageStep{}, nil, fmt.Errorf("%s: start: %w", key, ErrConcurrencyConflict)
		}
		return StageStep{}, nil, o.unconfirmed(ctx, topo, key, "start deployment", err)
	}
	return o.run(ctx, topo, st, t, d)
}

// create writes the first record of a stage for a commit.
func (o *Orchestrator) create(ctx context.Context, topo topology.Topology, st topology.Stage, t pipeline.Trigger, key pipeline.DeploymentKey, causedBy *string, upstream pipeline.ArtifactRefs) (StageStep, *pipeline.Trigger, error) {
	if upstream.Bucket == "" && upstream.Folder == "" {
		upstream = o.artifacts.Locate(key.Org, key.Name, key.Sha)
	}
	now := o.now().UTC()
	d := pipeline.Deployment{
		Key:            key,
		ArtifactBucket: upstream.Bucket,
		ArtifactFolder: upstream.Folder,
		Trigger:        t,
		CausedBy:       causedBy,
		ApprovalStatus: pipeline.ApprovalNotNeeded,
		IsDeploying:    true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if st.ApprovalRequired {
		d.ApprovalStatus = pipeline.ApprovalUnasked
		d.IsDeploying = false
	}

	if err := o.store.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectAbsent()); err != nil {
		if errors.Is(err, pipeline.ErrConditionFailed) {
			return StageStep{}, nil, fmt.Errorf("%s: create: %w", key, ErrConcurrencyConflict)
		}
		return StageStep{}, nil, o.unconfirmed(ctx, topo, key, "create deployment", err)
	}
	o.logEvent(ctx, key, "created", string(d.ApprovalStatus))
	o.trackPullRequest(ctx, st, t)

	if st.ApprovalRequired {
		return o.awaitApproval(ctx, key, StageStep{Stage: st.Name, Sha: key.Sha})
	}
	return o.run(ctx, topo, st, t, d)
}

func (o *Orchestrator) awaitApproval(ctx context.Context, key pipeline.DeploymentKey, step StageStep) (StageStep, *pipeline.Trigger, error) {
	err := o.gate.RequestApproval(ctx, key)
	if err != nil && !errors.Is(err, approval.ErrAlreadyAsked) {
		return StageStep{}, nil, fmt.Errorf("request approval for %s: %w", key, err)
	}
	step.Result = ResultAwaitingApproval
	return step, nil, nil
}

// nextTrigger derives the trigger for the stage after st, or nil at the end
// of the pipeline.
func (o *Orchestrator) nextTrigger(topo topology.Topology, st topology.Stage, t pipeline.Trigger, key pipeline.DeploymentKey) *pipeline.Trigger {
	next, ok := topo.Next(st.Name)
	if !ok {
		return nil
	}
	d := trigger.Derived(t, next.Name, key)
	return &d
}

func (o *Orchestrator) trackPullRequest(ctx context.Context, st topology.Stage, t pipeline.Trigger) {
	if !st.Ephemeral || t.PullRequest <= 0 {
		return
	}
	_, err := pipeline.UpdateApplication(ctx, o.store, t.Org, t.Name, func(app *pipeline.Application) error {
		app.TrackPR(pipeline.TrackedPR{Number: t.PullRequest, HeadSha: t.Sha, Branch: branch(t.Ref)})
		return nil
	})
	if err != nil {
		o.logger.Warn("track pull request", "app", pipeline.AppKey(t.Org, t.Name), "pr", t.PullRequest, "err", err)
	}
}

func storeErr(op string, key pipeline.DeploymentKey, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrStoreUnavailable, err)
}

// unconfirmed reports a mutation whose outcome is unknown to an operator.
// It is never retried here: the write may have landed.
func (o *Orchestrator) unconfirmed(ctx context.Context, topo topology.Topology, key pipeline.DeploymentKey, op string, err error) error {
	o.logger.Error("store did not confirm write", "deployment", key.String(), "op", op, "err", err)
	o.notify(ctx, topo, notify.OperatorAlert, key, map[string]any{
		"reason": op + " not confirmed",
		"error":  err.Error(),
	})
	return storeErr(op, key, err)
}

func (o *Orchestrator) notify(ctx context.Context, topo topology.Topology, kind notify.Kind, key pipeline.DeploymentKey, extra map[string]any) {
	if o.notifier == nil {
		return
	}
	payload := map[string]any{
		"deployment": key.String(),
		"org":        key.Org,
		"name":       key.Name,
		"stage":      key.Stage,
		"sha":        key.Sha,
	}
	for k, v := range extra {
		payload[k] = v
	}
	// a cancelled request must not swallow the notification
	ctx = context.WithoutCancel(ctx)
	if err := o.notifier.Notify(ctx, notify.Notification{Channel: topo.Channel, Kind: kind, Payload: payload}); err != nil {
		o.logger.Warn("notification failed", "kind", string(kind), "deployment", key.String(), "err", err)
	}
}

func (o *Orchestrator) logEvent(ctx context.Context, key pipeline.DeploymentKey, event, detail string) {
	if o.events == nil {
		return
	}
	err := o.events.LogEvent(context.WithoutCancel(ctx), pipeline.Event{
		Org:       key.Org,
		Name:      key.Name,
		Stage:     key.Stage,
		Sha:       key.Sha,
		Event:     event,
		Detail:    detail,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		o.logger.Warn("log pipeline event", "event", event, "err", err)
	}
}

func branch(ref string) string {
	if b, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return b
	}
	return ref
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
