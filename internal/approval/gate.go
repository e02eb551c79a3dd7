// Package approval manages the human sign-off state of approval-gated stage
// deployments.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

var (
	// ErrAlreadyAsked is returned by RequestApproval when the deployment is
	// no longer Unasked.
	ErrAlreadyAsked = errors.New("approval already requested")

	// ErrNoPendingApproval is returned by Resolve when the deployment is not
	// Pending, including when a concurrent decision won.
	ErrNoPendingApproval = errors.New("no pending approval")

	// ErrApproverNotAllowed is returned when the approver is not a member of
	// the stage's approval group.
	ErrApproverNotAllowed = errors.New("approver not allowed")

	// ErrInvalidDecision is returned for decisions other than Approved or
	// Rejected.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Advancer resumes a pipeline with a trigger. The orchestrator implements it.
type Advancer interface {
	Resume(ctx context.Context, t pipeline.Trigger) error
}

// Gate evaluates and mutates approval state.
type Gate struct {
	store      pipeline.DeploymentStore
	topologies topology.Resolver
	notifier   notify.Notifier
	events     pipeline.EventLog
	normalizer *trigger.Normalizer
	advancer   Advancer
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithEventLog records approval transitions in l.
func WithEventLog(l pipeline.EventLog) Option {
	return func(g *Gate) { g.events = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
		g.normalizer = &trigger.Normalizer{Now: now}
	}
}

// NewGate creates a Gate. The advancer is attached later with SetAdvancer
// since the orchestrator itself holds the gate.
func NewGate(store pipeline.DeploymentStore, topologies topology.Resolver, notifier notify.Notifier, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		topologies: topologies,
		notifier:   notifier,
		normalizer: trigger.New(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/lucasnoah/conveyor/internal/approval"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetAdvancer attaches the component that resumes pipelines after a decision.
func (g *Gate) SetAdvancer(a Advancer) {
	g.advancer = a
}

// RequestApproval moves an Unasked deployment to Pending and prompts the
// stage's approvers.
func (g *Gate) RequestApproval(ctx context.Context, key pipeline.DeploymentKey) (err error) {
	ctx, span := g.tracer.Start(ctx, "approval.RequestApproval", trace.WithAttributes(keyAttrs(key)...))
	defer endSpan(span, &err)

	d, err := g.store.GetDeployment(ctx, key)
	if err != nil {
		return fmt.Errorf("request approval %s: %w", key, err)
	}
	if d.ApprovalStatus != pipeline.ApprovalUnasked {
		return fmt.Errorf("%s is %s: %w", key, d.ApprovalStatus, ErrAlreadyAsked)
	}

	d.ApprovalStatus = pipeline.ApprovalPending
	d.UpdatedAt = g.now().UTC()
	err = g.store.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectIdle(pipeline.ApprovalUnasked))
	if errors.Is(err, pipeline.ErrConditionFailed) {
		return fmt.Errorf("%s: %w", key, ErrAlreadyAsked)
	}
	if err != nil {
		return fmt.Errorf("request approval %s: %w", key, err)
	}
	g.logEvent(ctx, key, "approval_requested", "")

	var (
		channel   string
		approvers []string
	)
	if topo, err := g.topologies.Resolve(ctx, key.Org, key.Name); err == nil {
		channel = topo.Channel
		if st, ok := topo.Stage(key.Stage); ok {
			approvers = st.Approvers
		}
	} else {
		g.logger.Warn("resolve topology for approval prompt", "deployment", key.String(), "err", err)
	}
	g.notify(ctx, notify.Notification{
		Channel: channel,
		Kind:    notify.ApprovalRequested,
		Payload: map[string]any{
			"deployment": key.String(),
			"org":        key.Org,
			"name":       key.Name,
			"stage":      key.Stage,
			"sha":        key.Sha,
			"approvers":  approvers,
		},
	})
	g.logger.Info("approval requested", "deployment", key.String())
	return nil
}

// Resolve records an approval decision and resumes the pipeline through the
// advancer. The returned status is the recorded decision; a non-nil error
// together with a non-empty status means the decision was recorded but the
// resumed advance failed.
func (g *Gate) Resolve(ctx context.Context, key pipeline.DeploymentKey, decision pipeline.ApprovalStatus, approver string) (status pipeline.ApprovalStatus, err error) {
	ctx, span := g.tracer.Start(ctx, "approval.Resolve", trace.WithAttributes(
		append(keyAttrs(key), attribute.String("decision", string(decision)), attribute.String("approver", approver))...))
	defer endSpan(span, &err)

	if decision != pipeline.ApprovalApproved && decision != pipeline.ApprovalRejected {
		return "", fmt.Errorf("decision %q: %w", decision, ErrInvalidDecision)
	}
	if approver == "" {
		return "", fmt.Errorf("%s: %w: approver is required", key, ErrApproverNotAllowed)
	}

	d, err := g.store.GetDeployment(ctx, key)
	if errors.Is(err, pipeline.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", key, ErrNoPendingApproval)
	}
	if err != nil {
		return "", fmt.Errorf("resolve approval %s: %w", key, err)
	}

	topo, err := g.topologies.Resolve(ctx, key.Org, key.Name)
	if err != nil {
		return "", fmt.Errorf("resolve approval %s: %w", key, err)
	}
	st, ok := topo.Stage(key.Stage)
	if !ok {
		return "", fmt.Errorf("resolve approval %s: %w", key, topology.ErrUnknownStage)
	}
	if len(st.Approvers) > 0 && !slices.Contains(st.Approvers, approver) {
		return "", fmt.Errorf("%s may not approve %s: %w", approver, key, ErrApproverNotAllowed)
	}

	if d.ApprovalStatus != pipeline.ApprovalPending {
		return "", fmt.Errorf("%s is %s: %w", key, d.ApprovalStatus, ErrNoPendingApproval)
	}
	d.ApprovalStatus = decision
	d.ApprovedBy = approver
	d.UpdatedAt = g.now().UTC()
	err = g.store.PutIfAbsentOrStatusMatches(ctx, d, pipeline.ExpectIdle(pipeline.ApprovalPending))
	if errors.Is(err, pipeline.ErrConditionFailed) {
		return "", fmt.Errorf("%s: %w", key, ErrNoPendingApproval)
	}
	if err != nil {
		return "", fmt.Errorf("resolve approval %s: %w", key, err)
	}
	g.logEvent(ctx, key, "approval_"+lower(decision), approver)
	g.logger.Info("approval resolved", "deployment", key.String(), "decision", string(decision), "approver", approver)

	if g.advancer == nil {
		return decision, nil
	}
	if err := g.advancer.Resume(ctx, g.normalizer.ChatApproval(key, approver)); err != nil {
		return decision, fmt.Errorf("resume %s after %s: %w", key, lower(decision), err)
	}
	return decision, nil
}

func lower(s pipeline.ApprovalStatus) string {
	switch s {
	case pipeline.ApprovalApproved:
		return "approved"
	case pipeline.ApprovalRejected:
		return "rejected"
	}
	return string(s)
}

func (g *Gate) notify(ctx context.Context, n notify.Notification) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, n); err != nil {
		g.logger.Warn("notification failed", "kind", string(n.Kind), "err", err)
	}
}

func (g *Gate) logEvent(ctx context.Context, key pipeline.DeploymentKey, event, detail string) {
	if g.events == nil {
		return
	}
	err := g.events.LogEvent(ctx, pipeline.Event{
		Org:       key.Org,
		Name:      key.Name,
		Stage:     key.Stage,
		Sha:       key.Sha,
		Event:     event,
		Detail:    detail,
		Timestamp: g.now().UTC(),
	})
	if err != nil {
		g.logger.Warn("log pipeline event", "event", event, "err", err)
	}
}

func keyAttrs(key pipeline.DeploymentKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("org", key.Org),
		attribute.String("app", key.Name),
		attribute.String("stage", key.Stage),
		attribute.String("sha", key.Sha),
	}
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
