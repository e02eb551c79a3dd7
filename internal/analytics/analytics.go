// Package analytics summarizes deployment history per stage.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

// StageDuration holds duration stats, in minutes, for completed deployments
// of a stage. For approval stages the time spent waiting is included.
type StageDuration struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// StageStats summarizes one stage.
type StageStats struct {
	Stage       string                        `json:"stage"`
	Total       int                           `json:"total"`
	Succeeded   int                           `json:"succeeded"`
	Failed      int                           `json:"failed"`
	InFlight    int                           `json:"in_flight"`
	Waiting     int                           `json:"waiting"`
	Rejected    int                           `json:"rejected"`
	SuccessRate float64                       `json:"success_pct"`
	AvgAttempts float64                       `json:"avg_attempts"`
	Causes      map[pipeline.FailureCause]int `json:"failure_causes,omitempty"`
	Duration    StageDuration                 `json:"duration"`
}

// Summarize computes per-stage stats over deps created at or after since
// (all of them when since is zero). Stages appear in the order they first
// occur in deps.
func Summarize(deps []pipeline.Deployment, since time.Time) []StageStats {
	var (
		order     []string
		byStage   = make(map[string]*StageStats)
		durations = make(map[string][]float64)
		attempts  = make(map[string][]float64)
	)
	for _, d := range deps {
		if !since.IsZero() && d.CreatedAt.Before(since) {
			continue
		}
		stage := d.Key.Stage
		st, ok := byStage[stage]
		if !ok {
			st = &StageStats{Stage: stage}
			byStage[stage] = st
			order = append(order, stage)
		}
		st.Total++

		switch {
		case d.IsDeploying:
			st.InFlight++
			continue
		case d.Succeeded():
			st.Succeeded++
		case d.Failed():
			st.Failed++
			if d.FailureCause != "" {
				if st.Causes == nil {
					st.Causes = make(map[pipeline.FailureCause]int)
				}
				st.Causes[d.FailureCause]++
			}
		case d.ApprovalStatus == pipeline.ApprovalRejected:
			st.Rejected++
			continue
		default:
			st.Waiting++
			continue
		}

		if d.Attempts > 0 {
			attempts[stage] = append(attempts[stage], float64(d.Attempts))
		}
		if minutes := d.UpdatedAt.Sub(d.CreatedAt).Minutes(); minutes > 0 {
			durations[stage] = append(durations[stage], minutes)
		}
	}

	results := make([]StageStats, 0, len(order))
	for _, stage := range order {
		st := byStage[stage]
		st.SuccessRate = pct(st.Succeeded, st.Succeeded+st.Failed)
		st.AvgAttempts = avg(attempts[stage])

		ds := durations[stage]
		sort.Float64s(ds)
		st.Duration = StageDuration{
			Count: len(ds),
			Avg:   avg(ds),
			P50:   percentile(ds, 50),
			P95:   percentile(ds, 95),
		}
		results = append(results, *st)
	}
	return results
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
