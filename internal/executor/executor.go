// Package executor is the port to the external build/deploy machinery.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

var (
	// ErrTransient marks an execution error worth retrying.
	ErrTransient = errors.New("transient executor error")
	// ErrTimeout reports that an execution exceeded its deadline.
	ErrTimeout = errors.New("executor timeout")
)

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Request describes one stage execution.
type Request struct {
	Org         string
	Name        string
	Stage       string
	Sha         string
	Account     string
	TriggerKind pipeline.TriggerKind
	Artifacts   pipeline.ArtifactRefs
}

// Result is the outcome of an execution that ran to completion.
type Result struct {
	Success        bool
	ArtifactBucket string
	ArtifactFolder string
	Output         string
}

// Executor runs builds and deployments. Execute returns an error only when
// the run could not complete; a deployment that ran and failed is a Result
// with Success=false.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Teardown(ctx context.Context, org, name, stage string) error
}

// ArtifactLocator supplies default artifact references for a commit.
type ArtifactLocator struct {
	Bucket string
}

// Locate returns the bucket and the org/name/sha folder.
func (l ArtifactLocator) Locate(org, name, sha string) pipeline.ArtifactRefs {
	return pipeline.ArtifactRefs{Bucket: l.Bucket, Folder: path.Join(org, name, sha)}
}
