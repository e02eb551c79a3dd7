package github

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lucasnoah/conveyor/internal/notify"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

// CommitStatus is a commit status to publish.
type CommitStatus struct {
	State       string // pending, success, failure or error
	Context     string
	Description string
	TargetURL   string
}

var validStates = map[string]bool{
	"pending": true,
	"success": true,
	"failure": true,
	"error":   true,
}

// maxDescription is GitHub's limit for status descriptions.
const maxDescription = 140

// SetCommitStatus publishes a status on a commit of owner/repo.
func (c *Client) SetCommitStatus(owner, repo, sha string, st CommitStatus) error {
	if owner == "" || repo == "" || sha == "" {
		return fmt.Errorf("set commit status: owner, repo and sha are required")
	}
	if !validStates[st.State] {
		return fmt.Errorf("invalid status state %q: must be pending, success, failure, or error", st.State)
	}
	desc := st.Description
	if len(desc) > maxDescription {
		desc = desc[:maxDescription-3] + "..."
	}

	args := []string{
		"api", "--method", "POST",
		fmt.Sprintf("repos/%s/%s/statuses/%s", owner, repo, sha),
		"-f", "state=" + st.State,
		"-f", "context=" + st.Context,
		"-f", "description=" + desc,
	}
	if st.TargetURL != "" {
		args = append(args, "-f", "target_url="+st.TargetURL)
	}
	if _, err := c.cmd.Run(args...); err != nil {
		return fmt.Errorf("set commit status on %s/%s@%s: %w", owner, repo, sha, err)
	}
	return nil
}

// StatusNotifier mirrors deployment notifications as commit statuses, one
// status context per stage.
type StatusNotifier struct {
	Client *Client
	// ContextPrefix prefixes the status context; defaults to "conveyor".
	ContextPrefix string
	TargetURL     string
}

var _ notify.Notifier = (*StatusNotifier)(nil)

// Notify implements notify.Notifier. Kinds without a commit status mapping
// are ignored.
func (s *StatusNotifier) Notify(_ context.Context, n notify.Notification) error {
	var state, desc string
	switch n.Kind {
	case notify.DeploymentStarted:
		state, desc = "pending", "deploying"
	case notify.ApprovalRequested:
		state, desc = "pending", "waiting for approval"
	case notify.DeploymentSucceeded:
		state, desc = "success", "deployed"
	case notify.DeploymentFailed:
		state, desc = "failure", "deployment failed"
		if cause, _ := n.Payload["cause"].(string); cause != "" {
			desc += ": " + cause
		}
	case notify.PipelineHalted:
		state, desc = "error", "rejected"
		if by, _ := n.Payload["rejected_by"].(string); by != "" {
			desc += " by " + by
		}
	default:
		return nil
	}

	owner, _ := n.Payload["org"].(string)
	repo, _ := n.Payload["name"].(string)
	sha, _ := n.Payload["sha"].(string)
	stage, _ := n.Payload["stage"].(string)
	prefix := s.ContextPrefix
	if prefix == "" {
		prefix = "conveyor"
	}
	return s.Client.SetCommitStatus(owner, repo, sha, CommitStatus{
		State:       state,
		Context:     prefix + "/" + stage,
		Description: desc,
		TargetURL:   s.TargetURL,
	})
}
