package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExitTempFail is the exit code (EX_TEMPFAIL) a command uses to ask for a retry.
const ExitTempFail = 75

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string, env []string) (stdout string, stderr string, exitCode int, err error)
}

// DefaultWaitDelay bounds how long ExecRunner waits for output pipes after
// the command was killed.
const DefaultWaitDelay = 5 * time.Second

// ExecRunner implements CommandRunner by shelling out. The command runs in
// its own process group, and cancelling ctx kills the whole group, so
// children started by the script cannot outlive a stage timeout.
type ExecRunner struct {
	Dir       string
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, command string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), env...)
	killProcessGroup(cmd)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Command executes stages with configured shell commands. The command sees
// the request as CONVEYOR_* environment variables; exit code 0 is success,
// ExitTempFail is a transient error and anything else a failed deployment.
// When the last line of stdout is a JSON object with artifact_bucket or
// artifact_folder, those replace the requested artifact references.
type Command struct {
	Runner          CommandRunner
	Command         string
	TeardownCommand string
}

var _ Executor = (*Command)(nil)

// NewCommand returns a Command that shells out with ExecRunner.
func NewCommand(command, teardown string) *Command {
	return &Command{Runner: &ExecRunner{}, Command: command, TeardownCommand: teardown}
}

func requestEnv(req Request) []string {
	return []string{
		"CONVEYOR_ORG=" + req.Org,
		"CONVEYOR_APP=" + req.Name,
		"CONVEYOR_STAGE=" + req.Stage,
		"CONVEYOR_SHA=" + req.Sha,
		"CONVEYOR_ACCOUNT=" + req.Account,
		"CONVEYOR_TRIGGER_KIND=" + string(req.TriggerKind),
		"CONVEYOR_ARTIFACT_BUCKET=" + req.Artifacts.Bucket,
		"CONVEYOR_ARTIFACT_FOLDER=" + req.Artifacts.Folder,
	}
}

// Execute implements Executor.
func (c *Command) Execute(ctx context.Context, req Request) (Result, error) {
	if c.Command == "" {
		return Result{}, errors.New("executor: no command configured")
	}
	stdout, stderr, exitCode, err := c.Runner.Run(ctx, c.Command, requestEnv(req))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%s/%s %s: %w", req.Name, req.Stage, req.Sha, ErrTimeout)
		}
		return Result{}, fmt.Errorf("run deploy command: %w", err)
	}

	output := strings.TrimSpace(stdout + "\n" + stderr)
	switch exitCode {
	case 0:
	case ExitTempFail:
		return Result{}, Transient(fmt.Errorf("deploy command exited %d: %s", exitCode, lastLine(output)))
	default:
		return Result{Success: false, Output: output}, nil
	}

	res := Result{
		Success:        true,
		ArtifactBucket: req.Artifacts.Bucket,
		ArtifactFolder: req.Artifacts.Folder,
		Output:         output,
	}
	var refs struct {
		Bucket string `json:"artifact_bucket"`
		Folder string `json:"artifact_folder"`
	}
	if line := lastLine(stdout); strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &refs) == nil {
		if refs.Bucket != "" {
			res.ArtifactBucket = refs.Bucket
		}
		if refs.Folder != "" {
			res.ArtifactFolder = refs.Folder
		}
	}
	return res, nil
}

// Teardown implements Executor. Without a teardown command it does nothing.
func (c *Command) Teardown(ctx context.Context, org, name, stage string) error {
	if c.TeardownCommand == "" {
		return nil
	}
	env := requestEnv(Request{Org: org, Name: name, Stage: stage})
	_, stderr, exitCode, err := c.Runner.Run(ctx, c.TeardownCommand, env)
	if err != nil {
		return fmt.Errorf("run teardown command: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("teardown command exited %d: %s", exitCode, lastLine(stderr))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
