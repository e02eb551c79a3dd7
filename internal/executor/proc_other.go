//go:build !unix

package executor

import "os/exec"

// killProcessGroup keeps the default cancellation, which kills only the
// shell. WaitDelay still stops Run from blocking on inherited pipes.
func killProcessGroup(*exec.Cmd) {}
