package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus is the state of the human gate for one stage deployment.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "Pending"
	ApprovalNotNeeded ApprovalStatus = "NotNeeded"
	ApprovalApproved  ApprovalStatus = "Approved"
	ApprovalRejected  ApprovalStatus = "Rejected"
	ApprovalUnasked   ApprovalStatus = "Unasked"
)

// Valid reports whether s is one of the known approval states.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalNotNeeded, ApprovalApproved, ApprovalRejected, ApprovalUnasked:
		return true
	}
	return false
}

// AllowsExecution reports whether a deployment in this state may run.
func (s ApprovalStatus) AllowsExecution() bool {
	return s == ApprovalNotNeeded || s == ApprovalApproved
}

// FailureCause distinguishes why a deployment recorded WasSuccess=false.
type FailureCause string

const (
	CauseNone           FailureCause = ""
	CauseExecutorFailed FailureCause = "executor_failed"
	CauseExecutorError  FailureCause = "executor_error"
	CauseTimeout        FailureCause = "timeout"
	CauseInterrupted    FailureCause = "interrupted"
)

// TriggerKind is the source of a pipeline run.
type TriggerKind string

const (
	TriggerPush         TriggerKind = "push"
	TriggerPullRequest  TriggerKind = "pull_request"
	TriggerManual       TriggerKind = "manual"
	TriggerChatApproval TriggerKind = "chat_approval"
)

// Trigger is the normalized cause of a pipeline run.
type Trigger struct {
	ID          string      `json:"id"`
	Kind        TriggerKind `json:"kind"`
	Org         string      `json:"org"`
	Name        string      `json:"name"`
	Sha         string      `json:"sha"`
	Ref         string      `json:"ref,omitempty"`
	Stage       string      `json:"stage,omitempty"` // empty means the entry stage
	PullRequest int         `json:"pull_request,omitempty"`
	CausedBy    string      `json:"caused_by,omitempty"`
	Actor       string      `json:"actor,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Equivalent reports whether two triggers describe the same pipeline run.
// Timestamp and Actor are ignored so that a re-delivered event compares equal.
func (t Trigger) Equivalent(o Trigger) bool {
	return t.Kind == o.Kind &&
		t.Org == o.Org &&
		t.Name == o.Name &&
		t.Sha == o.Sha &&
		t.Stage == o.Stage &&
		t.PullRequest == o.PullRequest &&
		t.CausedBy == o.CausedBy
}

// Rerun reports whether t is an operator re-run of the stage it names.
// Triggers derived from a re-run for later stages carry CausedBy and are not.
func (t Trigger) Rerun() bool {
	return t.Kind == TriggerManual && t.CausedBy == ""
}

// AppKey formats the Applications hash key.
func AppKey(org, name string) string {
	return org + "#" + name
}

// DeploymentKey identifies one deployment record.
type DeploymentKey struct {
	Org   string `json:"org"`
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Sha   string `json:"sha"`
}

// HashKey is the Deployments partition key: Org#Name#StageName.
func (k DeploymentKey) HashKey() string {
	return k.Org + "#" + k.Name + "#" + k.Stage
}

// String formats the key as Org#Name#StageName#Sha, the form used in CausedBy
// and in chat commands.
func (k DeploymentKey) String() string {
	return k.HashKey() + "#" + k.Sha
}

// ParseDeploymentKey parses the Org#Name#StageName#Sha form.
func ParseDeploymentKey(s string) (DeploymentKey, error) {
	parts := strings.Split(s, "#")
	if len(parts) != 4 {
		return DeploymentKey{}, fmt.Errorf("deployment key %q: want org#name#stage#sha", s)
	}
	for _, p := range parts {
		if p == "" {
			return DeploymentKey{}, fmt.Errorf("deployment key %q: empty component", s)
		}
	}
	return DeploymentKey{Org: parts[0], Name: parts[1], Stage: parts[2], Sha: parts[3]}, nil
}

// ArtifactRefs are opaque references to build output.
type ArtifactRefs struct {
	Bucket string `json:"bucket"`
	Folder string `json:"folder"`
}

// Deployment is one attempt to move a commit through a stage.
type Deployment struct {
	Key            DeploymentKey  `json:"key"`
	IsDeploying    bool           `json:"is_deploying"`
	WasSuccess     *bool          `json:"was_success,omitempty"`
	ArtifactBucket string         `json:"artifact_bucket,omitempty"`
	ArtifactFolder string         `json:"artifact_folder,omitempty"`
	Trigger        Trigger        `json:"trigger"`
	CausedBy       *string        `json:"caused_by,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	FailureCause   FailureCause   `json:"failure_cause,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
	Seq            int64          `json:"seq"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Artifacts returns the deployment's artifact references.
func (d Deployment) Artifacts() ArtifactRefs {
	return ArtifactRefs{Bucket: d.ArtifactBucket, Folder: d.ArtifactFolder}
}

// Succeeded reports whether the last completed attempt succeeded.
func (d Deployment) Succeeded() bool {
	return d.WasSuccess != nil && *d.WasSuccess
}

// Failed reports whether the last completed attempt failed.
func (d Deployment) Failed() bool {
	return d.WasSuccess != nil && !*d.WasSuccess
}

// State names the position of the record in the per-stage state machine.
func (d Deployment) State() string {
	switch {
	case d.IsDeploying:
		return "Deploying"
	case d.Succeeded():
		return "Succeeded"
	case d.Failed():
		return "Failed"
	default:
		return string(d.ApprovalStatus)
	}
}

// Bool returns a pointer to v, for the tri-state WasSuccess field.
func Bool(v bool) *bool {
	return &v
}

// String returns a pointer to v, for nullable string fields.
func String(v string) *string {
	return &v
}

// Account is a cloud account an application deploys into.
type Account struct {
	Name    string   `json:"name" koanf:"name" yaml:"name"`
	ID      string   `json:"id" koanf:"id" yaml:"id"`
	Regions []string `json:"regions,omitempty" koanf:"regions" yaml:"regions,omitempty"`
	Default bool     `json:"default,omitempty" koanf:"default" yaml:"default,omitempty"`
}

// ApprovalGroup is a named set of people allowed to approve a stage.
type ApprovalGroup struct {
	Type   string   `json:"type" koanf:"type" yaml:"type"`
	People []string `json:"people" koanf:"people" yaml:"people"`
}

// StageDef is a stage as stored on the Application record.
type StageDef struct {
	Name             string `json:"name" koanf:"name" yaml:"name"`
	ApprovalRequired bool   `json:"approval_required,omitempty" koanf:"approval_required" yaml:"approval_required,omitempty"`
	Approvers        string `json:"approvers,omitempty" koanf:"approvers" yaml:"approvers,omitempty"`
	Account          string `json:"account,omitempty" koanf:"account" yaml:"account,omitempty"`
}

// MergeRule starts the pipeline when a branch matching ToBranch is pushed.
// Stages names the stages the rule is meant to reach; the run itself always
// enters at the entry stage and follows the topology order.
type MergeRule struct {
	ToBranch   string   `json:"to_branch" koanf:"to_branch" yaml:"to_branch"`
	FromBranch string   `json:"from_branch,omitempty" koanf:"from_branch" yaml:"from_branch,omitempty"`
	Stages     []string `json:"stages" koanf:"stages" yaml:"stages"`
}

// TagRule starts the pipeline when a matching tag is pushed. Pattern may be a
// regular expression or the literal "semver".
type TagRule struct {
	Pattern string   `json:"pattern" koanf:"pattern" yaml:"pattern"`
	Stages  []string `json:"stages" koanf:"stages" yaml:"stages"`
}

// PullRequestPolicy controls per-PR ephemeral environments.
type PullRequestPolicy struct {
	Deploy bool `json:"deploy" koanf:"deploy" yaml:"deploy"`
}

// TriggerConfig is the trigger configuration of an application.
type TriggerConfig struct {
	PullRequests PullRequestPolicy `json:"pull_requests" koanf:"pull_requests" yaml:"pull_requests"`
	Merges       []MergeRule       `json:"merges,omitempty" koanf:"merges" yaml:"merges,omitempty"`
	Tags         []TagRule         `json:"tags,omitempty" koanf:"tags" yaml:"tags,omitempty"`
}

// TrackedPR is a pull request with a live ephemeral environment.
type TrackedPR struct {
	Number  int    `json:"number"`
	HeadSha string `json:"head_sha"`
	Branch  string `json:"branch,omitempty"`
}

// Application identifies a deployable unit.
type Application struct {
	Org          string                   `json:"org"`
	Name         string                   `json:"name"`
	Channel      string                   `json:"channel,omitempty"`
	Accounts     []Account                `json:"accounts,omitempty"`
	Approvals    map[string]ApprovalGroup `json:"approvals,omitempty"`
	Triggers     TriggerConfig            `json:"triggers"`
	PullRequests []TrackedPR              `json:"pull_requests,omitempty"`
	Stages       []StageDef               `json:"stages"`
	Version      int64                    `json:"version"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Key returns the Applications hash key.
func (a Application) Key() string {
	return AppKey(a.Org, a.Name)
}

// DefaultAccount returns the account flagged default, if any.
func (a Application) DefaultAccount() (Account, bool) {
	for _, acc := range a.Accounts {
		if acc.Default {
			return acc, true
		}
	}
	return Account{}, false
}

// TrackPR records or refreshes a tracked pull request.
func (a *Application) TrackPR(pr TrackedPR) {
	for i := range a.PullRequests {
		if a.PullRequests[i].Number == pr.Number {
			a.PullRequests[i] = pr
			return
		}
	}
	a.PullRequests = append(a.PullRequests, pr)
}

// UntrackPR removes a tracked pull request and reports whether it was present.
func (a *Application) UntrackPR(number int) bool {
	for i := range a.PullRequests {
		if a.PullRequests[i].Number == number {
			a.PullRequests = append(a.PullRequests[:i], a.PullRequests[i+1:]...)
			return true
		}
	}
	return false
}

// Event is a row of the append-only pipeline audit log.
type Event struct {
	ID        int64     `json:"id"`
	Org       string    `json:"org"`
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	Sha       string    `json:"sha"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
