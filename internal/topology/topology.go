// Package topology resolves the ordered stage configuration of an application.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

// ErrUnknownApplication is returned when no topology exists for an application.
var ErrUnknownApplication = errors.New("unknown application")

// PRStagePrefix prefixes the ephemeral stage of a pull request.
const PRStagePrefix = "pr-"

// Stage is one environment in the pipeline.
type Stage struct {
	Name             string
	ApprovalRequired bool
	ApprovalGroup    string
	Approvers        []string
	Account          string
	Ephemeral        bool
}

// Topology is the ordered stage list of one application.
type Topology struct {
	Org       string
	Name      string
	Channel   string
	Stages    []Stage
	PRDeploys bool
}

// Resolver looks up an application's topology.
type Resolver interface {
	Resolve(ctx context.Context, org, name string) (Topology, error)
}

// FromApplication builds a topology from a stored application record.
func FromApplication(app pipeline.Application) (Topology, error) {
	if len(app.Stages) == 0 {
		return Topology{}, fmt.Errorf("application %s has no stages", app.Key())
	}
	t := Topology{
		Org:       app.Org,
		Name:      app.Name,
		Channel:   app.Channel,
		PRDeploys: app.Triggers.PullRequests.Deploy,
	}
	seen := make(map[string]bool, len(app.Stages))
	for _, def := range app.Stages {
		if def.Name == "" {
			return Topology{}, fmt.Errorf("application %s: stage with empty name", app.Key())
		}
		if strings.Contains(def.Name, "#") || strings.HasPrefix(def.Name, PRStagePrefix) {
			return Topology{}, fmt.Errorf("application %s: invalid stage name %q", app.Key(), def.Name)
		}
		if seen[def.Name] {
			return Topology{}, fmt.Errorf("application %s: duplicate stage %q", app.Key(), def.Name)
		}
		seen[def.Name] = true
		st := Stage{
			Name:             def.Name,
			ApprovalRequired: def.ApprovalRequired,
			ApprovalGroup:    def.Approvers,
			Account:          def.Account,
		}
		if def.Approvers != "" {
			group, ok := app.Approvals[def.Approvers]
			if !ok {
				return Topology{}, fmt.Errorf("application %s: stage %q references unknown approval group %q", app.Key(), def.Name, def.Approvers)
			}
			st.Approvers = append([]string(nil), group.People...)
		}
		if st.Account == "" {
			if acc, ok := app.DefaultAccount(); ok {
				st.Account = acc.Name
			}
		}
		t.Stages = append(t.Stages, st)
	}
	return t, nil
}

// Entry returns the first stage.
func (t Topology) Entry() Stage {
	return t.Stages[0]
}

// Index returns the position of a configured stage, or -1.
func (t Topology) Index(name string) int {
	for i, s := range t.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Stage looks up a stage by name. Pull request stages resolve when the
// application deploys pull requests.
func (t Topology) Stage(name string) (Stage, bool) {
	if i := t.Index(name); i >= 0 {
		return t.Stages[i], true
	}
	if n, ok := PRNumber(name); ok && t.PRDeploys {
		return t.prStage(n), true
	}
	return Stage{}, false
}

// Next returns the stage after name, if any. Pull request stages have none.
func (t Topology) Next(name string) (Stage, bool) {
	i := t.Index(name)
	if i < 0 || i+1 >= len(t.Stages) {
		return Stage{}, false
	}
	return t.Stages[i+1], true
}

// Previous returns the stage before name, if any. The entry stage and pull
// request stages have none.
func (t Topology) Previous(name string) (Stage, bool) {
	i := t.Index(name)
	if i <= 0 {
		return Stage{}, false
	}
	return t.Stages[i-1], true
}

// ForTrigger selects the stage a trigger targets: its explicit stage, the
// pull request stage for PR triggers when enabled, or the entry stage.
func (t Topology) ForTrigger(trig pipeline.Trigger) (Stage, error) {
	if trig.Stage != "" {
		st, ok := t.Stage(trig.Stage)
		if !ok {
			return Stage{}, fmt.Errorf("stage %q of %s: %w", trig.Stage, pipeline.AppKey(t.Org, t.Name), ErrUnknownStage)
		}
		return st, nil
	}
	if trig.Kind == pipeline.TriggerPullRequest {
		if !t.PRDeploys || trig.PullRequest <= 0 {
			return Stage{}, fmt.Errorf("pull request deploys disabled for %s: %w", pipeline.AppKey(t.Org, t.Name), ErrUnknownStage)
		}
		return t.prStage(trig.PullRequest), nil
	}
	return t.Entry(), nil
}

// ErrUnknownStage is returned when a stage name is not part of the topology.
var ErrUnknownStage = errors.New("unknown stage")

func (t Topology) prStage(n int) Stage {
	entry := t.Entry()
	return Stage{
		Name:      PRStageName(n),
		Account:   entry.Account,
		Ephemeral: true,
	}
}

// PRStageName names the ephemeral stage of pull request n.
func PRStageName(n int) string {
	return PRStagePrefix + strconv.Itoa(n)
}

// PRNumber parses a pull request stage name.
func PRNumber(stage string) (int, bool) {
	rest, ok := strings.CutPrefix(stage, PRStagePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// StoreResolver resolves topologies from stored application records.
type StoreResolver struct {
	Apps pipeline.ApplicationStore
}

// Resolve implements Resolver.
func (r StoreResolver) Resolve(ctx context.Context, org, name string) (Topology, error) {
	app, err := r.Apps.GetApplication(ctx, org, name)
	if errors.Is(err, pipeline.ErrNotFound) {
		return Topology{}, fmt.Errorf("%s: %w", pipeline.AppKey(org, name), ErrUnknownApplication)
	}
	if err != nil {
		return Topology{}, fmt.Errorf("resolve topology: %w", err)
	}
	return FromApplication(app)
}

// Static is an in-memory Resolver.
type Static struct {
	mu    sync.RWMutex
	topos map[string]Topology
}

// NewStatic returns a resolver serving the given topologies.
func NewStatic(topos ...Topology) *Static {
	s := &Static{topos: make(map[string]Topology)}
	for _, t := range topos {
		s.Set(t)
	}
	return s
}

// Set adds or replaces a topology.
func (s *Static) Set(t Topology) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topos[pipeline.AppKey(t.Org, t.Name)] = t
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, org, name string) (Topology, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topos[pipeline.AppKey(org, name)]
	if !ok {
		return Topology{}, fmt.Errorf("%s: %w", pipeline.AppKey(org, name), ErrUnknownApplication)
	}
	return t, nil
}
