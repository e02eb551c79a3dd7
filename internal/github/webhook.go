package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/conveyor/internal/trigger"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnsupportedEvent is returned for event types conveyor does not act on.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// SignatureHeader carries the HMAC SHA-256 of the request body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a X-Hub-Signature-256 header value against body.
func VerifySignature(secret, body []byte, header string) error {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256= prefix", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw HMAC SHA-256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureValue formats body's signature as a header value.
func SignatureValue(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
}

func (r repository) org() string {
	if r.Owner.Login != "" {
		return r.Owner.Login
	}
	return r.Owner.Name
}

type user struct {
	Login string `json:"login"`
}

type pushPayload struct {
	Ref        string     `json:"ref"`
	After      string     `json:"after"`
	Deleted    bool       `json:"deleted"`
	Repository repository `json:"repository"`
	Sender     user       `json:"sender"`
	HeadCommit *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"head_commit"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged         bool      `json:"merged"`
		MergeCommitSha string    `json:"merge_commit_sha"`
		UpdatedAt      time.Time `json:"updated_at"`
		Head           struct {
			Sha string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
	Sender     user       `json:"sender"`
}

// Event is a parsed webhook delivery. Exactly one field is set.
type Event struct {
	Push        *trigger.PushEvent
	PullRequest *trigger.PullRequestEvent
}

// ParseEvent decodes a webhook body according to its X-GitHub-Event type.
func ParseEvent(eventType string, body []byte) (Event, error) {
	switch eventType {
	case "push":
		ev, err := ParsePush(body)
		if err != nil {
			return Event{}, err
		}
		return Event{Push: &ev}, nil
	case "pull_request":
		ev, err := ParsePullRequest(body)
		if err != nil {
			return Event{}, err
		}
		return Event{PullRequest: &ev}, nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
}

// ParsePush decodes a push payload.
func ParsePush(body []byte) (trigger.PushEvent, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return trigger.PushEvent{}, fmt.Errorf("parse push payload: %w", err)
	}
	ev := trigger.PushEvent{
		Org:   p.Repository.org(),
		Name:  p.Repository.Name,
		Sha:   p.After,
		Ref:   p.Ref,
		Actor: p.Sender.Login,
	}
	if p.HeadCommit != nil {
		ev.Timestamp = p.HeadCommit.Timestamp
	}
	return ev, nil
}

// ParsePullRequest decodes a pull_request payload.
func ParsePullRequest(body []byte) (trigger.PullRequestEvent, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return trigger.PullRequestEvent{}, fmt.Errorf("parse pull_request payload: %w", err)
	}
	pr := p.PullRequest
	return trigger.PullRequestEvent{
		Org:       p.Repository.org(),
		Name:      p.Repository.Name,
		Action:    p.Action,
		Number:    p.Number,
		HeadSha:   pr.Head.Sha,
		HeadRef:   pr.Head.Ref,
		BaseRef:   pr.Base.Ref,
		Merged:    pr.Merged,
		MergeSha:  pr.MergeCommitSha,
		Actor:     p.Sender.Login,
		Timestamp: pr.UpdatedAt,
	}, nil
}
