package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/conveyor/internal/analytics"
	"github.com/lucasnoah/conveyor/internal/approval"
	"github.com/lucasnoah/conveyor/internal/github"
	"github.com/lucasnoah/conveyor/internal/orchestrator"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownApplication), errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownStage), errors.Is(err, trigger.ErrInvalidEvent),
		errors.Is(err, approval.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrApproverNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNoPendingApproval), errors.Is(err, approval.ErrAlreadyAsked),
		errors.Is(err, orchestrator.ErrConcurrencyConflict), errors.Is(err, orchestrator.ErrPredecessorNotSucceeded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIToken)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(s.opts.WebhookSecret) > 0 {
		if err := github.VerifySignature(s.opts.WebhookSecret, body, r.Header.Get(github.SignatureHeader)); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
	}

	// redeliveries are also caught by the store; this only saves the work
	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery != "" && s.deliveries.Contains(delivery) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	ev, err := github.ParseEvent(r.Header.Get("X-GitHub-Event"), body)
	if errors.Is(err, github.ErrUnsupportedEvent) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var org, name string
	switch {
	case ev.Push != nil:
		org, name = ev.Push.Org, ev.Push.Name
	case ev.PullRequest != nil:
		org, name = ev.PullRequest.Org, ev.PullRequest.Name
	}
	app, err := s.apps.GetApplication(r.Context(), org, name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var accepted []string
	if ev.Push != nil {
		t, ok, err := s.normalizer.Push(*ev.Push, app)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if ok {
			if err := s.advanceAsync(r.Context(), t); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
			accepted = append(accepted, t.ID)
		}
	}
	if ev.PullRequest != nil {
		acts, err := s.normalizer.PullRequest(*ev.PullRequest, app)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if acts.Teardown != nil {
			t := *acts.Teardown
			if err := s.dispatch(r.Context(), "teardown "+t.Stage, func(ctx context.Context) error {
				return s.pipeline.Teardown(ctx, t)
			}); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
			accepted = append(accepted, t.ID)
		}
		for _, t := range []*pipeline.Trigger{acts.Deploy, acts.Merge} {
			if t == nil {
				continue
			}
			if err := s.advanceAsync(r.Context(), *t); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
			accepted = append(accepted, t.ID)
		}
	}

	if delivery != "" {
		s.deliveries.Add(delivery, struct{}{})
	}
	if len(accepted) == 0 {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "triggers": accepted})
}

type chatCommandRequest struct {
	DeploymentKey string `json:"deployment_key"`
	Decision      string `json:"decision"`
	Approver      string `json:"approver"`
}

func (s *Server) handleChatCommand(w http.ResponseWriter, r *http.Request) {
	var req chatCommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.normalizer.ChatCommand(trigger.ChatCommand{
		DeploymentKey: req.DeploymentKey,
		Decision:      req.Decision,
		Approver:      req.Approver,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := s.approvals.Resolve(r.Context(), d.Key, d.Status, d.Approver)
	if err != nil && status == "" {
		writeError(w, statusFor(err), err)
		return
	}
	resp := map[string]string{"deployment": d.Key.String(), "status": string(status)}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Conveyor-Actor")
	if actor == "" {
		actor = "api"
	}
	t, err := s.normalizer.Manual(trigger.ManualRerun{
		Org:   chi.URLParam(r, "org"),
		Name:  chi.URLParam(r, "name"),
		Stage: chi.URLParam(r, "stage"),
		Sha:   chi.URLParam(r, "sha"),
		Actor: actor,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.apps.GetApplication(r.Context(), t.Org, t.Name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.advanceAsync(r.Context(), t); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "trigger": t.ID})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.apps.ListApplications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if apps == nil {
		apps = []pipeline.Application{}
	}
	writeJSON(w, http.StatusOK, apps)
}

type deploymentView struct {
	pipeline.Deployment
	State string `json:"state"`
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	views := make([]deploymentView, 0, len(deps))
	for _, d := range deps {
		views = append(views, deploymentView{Deployment: d, State: d.State()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = time.Now().Add(-window)
	}
	deps, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, analytics.Summarize(deps, since))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("storage backend keeps no event log"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}
	events, err := s.events.ListEvents(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
