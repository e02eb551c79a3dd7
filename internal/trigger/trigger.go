// Package trigger normalizes raw source-control, manual and chat events into
// pipeline triggers. Everything here is a pure function of its inputs.
package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/topology"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/lucasnoah/conveyor/triggers"))

const zeroSha = "0000000000000000000000000000000000000000"

// ID derives the deterministic trigger id. The same event always normalizes
// to the same id, which is what makes re-deliveries idempotent.
func ID(kind pipeline.TriggerKind, org, name, stage, sha string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join([]string{string(kind), org, name, stage, sha}, "\x00"))).String()
}

// PushEvent is a branch or tag push.
type PushEvent struct {
	Org       string
	Name      string
	Sha       string
	Ref       string // refs/heads/<branch> or refs/tags/<tag>
	Actor     string
	Timestamp time.Time
}

// PullRequestEvent is a pull request state change.
type PullRequestEvent struct {
	Org       string
	Name      string
	Action    string // opened, synchronize, reopened, closed
	Number    int
	HeadSha   string
	HeadRef   string
	BaseRef   string
	Merged    bool
	MergeSha  string
	Actor     string
	Timestamp time.Time
}

// PullRequestActions is what a pull request event asks of the orchestrator.
// Any field may be nil.
type PullRequestActions struct {
	Deploy   *pipeline.Trigger // deploy the ephemeral stage
	Teardown *pipeline.Trigger // tear the ephemeral stage down
	Merge    *pipeline.Trigger // a merged PR matching a merge rule
}

// ManualRerun is an operator request to run one stage for one commit.
type ManualRerun struct {
	Org   string
	Name  string
	Stage string
	Sha   string
	Actor string
}

// ChatCommand is an approval decision typed into chat.
type ChatCommand struct {
	DeploymentKey string
	Decision      string
	Approver      string
}

// Decision is a parsed chat command.
type Decision struct {
	Key      pipeline.DeploymentKey
	Status   pipeline.ApprovalStatus // Approved or Rejected
	Approver string
}

// Normalizer turns raw events into triggers.
type Normalizer struct {
	// Now stamps triggers whose event carries no timestamp.
	Now func() time.Time
}

// New returns a Normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{Now: time.Now}
}

func (n *Normalizer) stamp(t time.Time) time.Time {
	if !t.IsZero() {
		return t.UTC()
	}
	if n.Now == nil {
		return time.Now().UTC()
	}
	return n.Now().UTC()
}

func build(kind pipeline.TriggerKind, org, name, stage, sha string) pipeline.Trigger {
	return pipeline.Trigger{
		ID:    ID(kind, org, name, stage, sha),
		Kind:  kind,
		Org:   org,
		Name:  name,
		Sha:   sha,
		Stage: stage,
	}
}

// Push normalizes a push. ok is false when no trigger rule of app matches or
// the push deletes its ref. Rules only decide whether the push starts a run:
// the trigger always targets the entry stage.
func (n *Normalizer) Push(ev PushEvent, app pipeline.Application) (pipeline.Trigger, bool, error) {
	if ev.Org == "" || ev.Name == "" || ev.Sha == "" || ev.Ref == "" {
		return pipeline.Trigger{}, false, fmt.Errorf("push: %w: org, name, sha and ref are required", ErrInvalidEvent)
	}
	if ev.Sha == zeroSha {
		return pipeline.Trigger{}, false, nil
	}

	var (
		matched bool
		err     error
	)
	switch {
	case strings.HasPrefix(ev.Ref, "refs/tags/"):
		matched, err = matchTag(strings.TrimPrefix(ev.Ref, "refs/tags/"), app.Triggers.Tags)
	case strings.HasPrefix(ev.Ref, "refs/heads/"):
		branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
		if len(app.Triggers.Merges) == 0 && len(app.Triggers.Tags) == 0 {
			matched = true
		} else {
			matched, err = matchMerge(branch, "", app.Triggers.Merges)
		}
	default:
		return pipeline.Trigger{}, false, fmt.Errorf("push: %w: unsupported ref %q", ErrInvalidEvent, ev.Ref)
	}
	if err != nil || !matched {
		return pipeline.Trigger{}, false, err
	}

	t := build(pipeline.TriggerPush, ev.Org, ev.Name, "", ev.Sha)
	t.Ref = ev.Ref
	t.Actor = ev.Actor
	t.Timestamp = n.stamp(ev.Timestamp)
	return t, true, nil
}

// PullRequest normalizes a pull request event.
func (n *Normalizer) PullRequest(ev PullRequestEvent, app pipeline.Application) (PullRequestActions, error) {
	if ev.Org == "" || ev.Name == "" || ev.Number <= 0 {
		return PullRequestActions{}, fmt.Errorf("pull request: %w: org, name and number are required", ErrInvalidEvent)
	}
	stage := topology.PRStageName(ev.Number)
	prTrigger := func() *pipeline.Trigger {
		t := build(pipeline.TriggerPullRequest, ev.Org, ev.Name, stage, ev.HeadSha)
		t.Ref = "refs/heads/" + ev.HeadRef
		t.PullRequest = ev.Number
		t.Actor = ev.Actor
		t.Timestamp = n.stamp(ev.Timestamp)
		return &t
	}

	var out PullRequestActions
	switch ev.Action {
	case "opened", "synchronize", "reopened":
		if ev.HeadSha == "" {
			return PullRequestActions{}, fmt.Errorf("pull request: %w: head sha is required", ErrInvalidEvent)
		}
		if app.Triggers.PullRequests.Deploy {
			out.Deploy = prTrigger()
		}
	case "closed":
		if app.Triggers.PullRequests.Deploy || tracked(app, ev.Number) {
			out.Teardown = prTrigger()
		}
		if ev.Merged {
			sha := ev.MergeSha
			if sha == "" {
				sha = ev.HeadSha
			}
			if sha != "" && len(app.Triggers.Merges) > 0 {
				ok, err := matchMerge(ev.BaseRef, ev.HeadRef, app.Triggers.Merges)
				if err != nil {
					return PullRequestActions{}, err
				}
				if ok {
					t := build(pipeline.TriggerPush, ev.Org, ev.Name, "", sha)
					t.Ref = "refs/heads/" + ev.BaseRef
					t.Actor = ev.Actor
					t.Timestamp = n.stamp(ev.Timestamp)
					out.Merge = &t
				}
			}
		}
	}
	return out, nil
}

func tracked(app pipeline.Application, number int) bool {
	for _, pr := range app.PullRequests {
		if pr.Number == number {
			return true
		}
	}
	return false
}

// Manual normalizes an operator re-run.
func (n *Normalizer) Manual(req ManualRerun) (pipeline.Trigger, error) {
	if req.Org == "" || req.Name == "" || req.Stage == "" || req.Sha == "" {
		return pipeline.Trigger{}, fmt.Errorf("manual rerun: %w: org, name, stage and sha are required", ErrInvalidEvent)
	}
	t := build(pipeline.TriggerManual, req.Org, req.Name, req.Stage, req.Sha)
	t.Actor = req.Actor
	t.Timestamp = n.stamp(time.Time{})
	return t, nil
}

// ChatCommand parses an approval decision.
func (n *Normalizer) ChatCommand(cmd ChatCommand) (Decision, error) {
	key, err := pipeline.ParseDeploymentKey(strings.TrimSpace(cmd.DeploymentKey))
	if err != nil {
		return Decision{}, fmt.Errorf("chat command: %w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(cmd.Approver) == "" {
		return Decision{}, fmt.Errorf("chat command: %w: approver is required", ErrInvalidEvent)
	}
	var status pipeline.ApprovalStatus
	switch strings.ToLower(strings.TrimSpace(cmd.Decision)) {
	case "approve", "approved":
		status = pipeline.ApprovalApproved
	case "reject", "rejected":
		status = pipeline.ApprovalRejected
	default:
		return Decision{}, fmt.Errorf("chat command: %w: decision %q is not approve or reject", ErrInvalidEvent, cmd.Decision)
	}
	return Decision{Key: key, Status: status, Approver: strings.TrimSpace(cmd.Approver)}, nil
}

// ChatApproval is the trigger that resumes a pipeline after an approval.
func (n *Normalizer) ChatApproval(key pipeline.DeploymentKey, approver string) pipeline.Trigger {
	t := build(pipeline.TriggerChatApproval, key.Org, key.Name, key.Stage, key.Sha)
	t.Actor = approver
	t.Timestamp = n.stamp(time.Time{})
	return t
}

// Derived is the trigger handed to the stage after parent's stage succeeded.
// It keeps the parent's kind and records the upstream deployment.
func Derived(parent pipeline.Trigger, next string, causedBy pipeline.DeploymentKey) pipeline.Trigger {
	t := parent
	t.ID = ID(parent.Kind, parent.Org, parent.Name, next, parent.Sha)
	t.Stage = next
	t.CausedBy = causedBy.String()
	return t
}

func matchMerge(to, from string, rules []pipeline.MergeRule) (bool, error) {
	for _, r := range rules {
		toRe, err := regexp.Compile(r.ToBranch)
		if err != nil {
			return false, fmt.Errorf("merge rule to_branch %q: %w", r.ToBranch, err)
		}
		if !toRe.MatchString(to) {
			continue
		}
		if r.FromBranch != "" {
			fromRe, err := regexp.Compile(r.FromBranch)
			if err != nil {
				return false, fmt.Errorf("merge rule from_branch %q: %w", r.FromBranch, err)
			}
			if !fromRe.MatchString(from) {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func matchTag(tag string, rules []pipeline.TagRule) (bool, error) {
	for _, r := range rules {
		if r.Pattern == "semver" {
			if _, err := semver.NewVersion(tag); err == nil {
				return true, nil
			}
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return false, fmt.Errorf("tag rule pattern %q: %w", r.Pattern, err)
		}
		if re.MatchString(tag) {
			return true, nil
		}
	}
	return false, nil
}
