package pipeline

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConditionFailed indicates that a conditional write lost: the stored
	// record did not match the expected prior state.
	ErrConditionFailed = errors.New("condition failed")
)

// Expectation is the prior state a conditional write requires. The zero value
// requires only that the record exists.
type Expectation struct {
	// Absent requires that no record exists for the key. When set, the other
	// fields are ignored.
	Absent bool
	// IsDeploying, when non-nil, must equal the stored flag.
	IsDeploying *bool
	// ApprovalStatus, when non-empty, must equal the stored status.
	ApprovalStatus ApprovalStatus
}

// ExpectAbsent requires that no record exists.
func ExpectAbsent() Expectation {
	return Expectation{Absent: true}
}

// ExpectIdle requires an existing record that is not deploying and has the
// given approval status (any status when empty).
func ExpectIdle(status ApprovalStatus) Expectation {
	return Expectation{IsDeploying: Bool(false), ApprovalStatus: status}
}

// ExpectDeploying requires an existing record that is deploying.
func ExpectDeploying() Expectation {
	return Expectation{IsDeploying: Bool(true)}
}

// Matches reports whether the stored record d (nil when absent) satisfies e.
// Backends that cannot push the condition into the database use it directly;
// the rest mirror it in their query language.
func (e Expectation) Matches(d *Deployment) bool {
	if e.Absent {
		return d == nil
	}
	if d == nil {
		return false
	}
	if e.IsDeploying != nil && d.IsDeploying != *e.IsDeploying {
		return false
	}
	if e.ApprovalStatus != "" && d.ApprovalStatus != e.ApprovalStatus {
		return false
	}
	return true
}

// DeploymentStore is the durable record store for deployments. All mutations
// are conditional writes; they are the only mutual-exclusion mechanism.
//
// Implementations must also reject any write that would leave two records of
// the same (Org, Name, Stage) with IsDeploying=true, reporting
// ErrConditionFailed.
type DeploymentStore interface {
	GetDeployment(ctx context.Context, key DeploymentKey) (Deployment, error)
	PutIfAbsentOrStatusMatches(ctx context.Context, d Deployment, expect Expectation) error
	// ListDeployments returns every deployment of an application, grouped by
	// stage and in insertion order within a stage.
	ListDeployments(ctx context.Context, org, name string) ([]Deployment, error)
	// ListInFlight returns every deployment with IsDeploying=true.
	ListInFlight(ctx context.Context) ([]Deployment, error)
	// ListApproved returns deployments that are approved but have never run.
	ListApproved(ctx context.Context) ([]Deployment, error)
}

// ApplicationStore persists Application records.
type ApplicationStore interface {
	GetApplication(ctx context.Context, org, name string) (Application, error)
	// PutApplication writes app when the stored version equals expectVersion
	// (0 means the application must not exist yet). The stored version
	// becomes expectVersion+1.
	PutApplication(ctx context.Context, app Application, expectVersion int64) error
	ListApplications(ctx context.Context) ([]Application, error)
}

// Store is the full persistence port.
type Store interface {
	DeploymentStore
	ApplicationStore
	Close() error
}

// EventLog records pipeline transitions for auditing. Optional: not every
// backend keeps one.
type EventLog interface {
	LogEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, org, name string, limit int) ([]Event, error)
}

// maxUpdateAttempts bounds the optimistic retry loop in UpdateApplication.
const maxUpdateAttempts = 5

// UpdateApplication performs an optimistic read-modify-write of an
// application, retrying when a concurrent writer bumps the version.
func UpdateApplication(ctx context.Context, s ApplicationStore, org, name string, fn func(*Application) error) (Application, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		app, err := s.GetApplication(ctx, org, name)
		if err != nil {
			return Application{}, err
		}
		prev := app.Version
		if err := fn(&app); err != nil {
			return Application{}, err
		}
		err = s.PutApplication(ctx, app, prev)
		if err == nil {
			app.Version = prev + 1
			return app, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return Application{}, err
		}
	}
	return Application{}, fmt.Errorf("update application %s: %w after %d attempts", AppKey(org, name), ErrConditionFailed, maxUpdateAttempts)
}
