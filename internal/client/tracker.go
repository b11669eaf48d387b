package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/admitflow/admission-progress/internal/gateway"
	"github.com/gorilla/websocket"
)

// Tracker observes a job's progress: push channel first, adaptive-interval
// polling as the fallback. Updates from either channel go through the same
// version merge, so at-least-once, out-of-order delivery never shows the
// consumer a regression.
type Tracker struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	// Poll faster in the home stretch, slower before that. A latency/cost
	// trade-off only; correctness comes from the merge rule.
	fastInterval time.Duration
	slowInterval time.Duration
}

func New(baseURL, token string, logger *slog.Logger) *Tracker {
	return &Tracker{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       logger,
		fastInterval: 2 * time.Second,
		slowInterval: 5 * time.Second,
	}
}

// Track follows jobID until a terminal status. Snapshots arrive on the
// returned channel in strictly increasing version order; the channel closes
// after the terminal snapshot or when ctx is cancelled.
func (t *Tracker) Track(ctx context.Context, jobID string) <-chan domain.ProgressSnapshot {
	updates := make(chan domain.ProgressSnapshot, 16)

	go func() {
		defer close(updates)

		s := &session{jobID: jobID, lastVersion: -1, updates: updates}

		if terminal := t.subscribe(ctx, s); terminal {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.pollLoop(ctx, s)
	}()

	return updates
}

// session tracks the merge state for one Track call.
type session struct {
	jobID       string
	lastVersion int64
	lastPercent int
	updates     chan<- domain.ProgressSnapshot
}

// merge applies a snapshot only if its version is strictly greater than the
// last applied one; ties and regressions are discarded. Returns true when a
// terminal snapshot was delivered.
func (s *session) merge(snap domain.ProgressSnapshot) bool {
	if snap.Version <= s.lastVersion {
		return false
	}
	s.lastVersion = snap.Version
	s.lastPercent = snap.Percent
	s.updates <- snap
	return domain.IsTerminal(snap.Status)
}

// wireFrame covers both the gateway's control frames and progress pushes.
type wireFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Error   string `json:"error"`
	JobID   string `json:"job_id"`
	Step    string `json:"step"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Version int64  `json:"version"`
}

// subscribe runs the push channel until the job finishes or the connection
// fails. Returns true only when a terminal snapshot was delivered; any
// failure simply hands over to the polling fallback.
func (t *Tracker) subscribe(ctx context.Context, s *session) bool {
	wsURL := "ws" + strings.TrimPrefix(t.baseURL, "http") + "/ws"

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		t.logger.Debug("push connection failed, falling back to polling", "error", err)
		return false
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Unblock reads when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	err = conn.WriteJSON(map[string]string{
		"action": "subscribe",
		"topic":  gateway.TopicForJob(s.jobID),
	})
	if err != nil {
		t.logger.Debug("push subscribe failed, falling back to polling", "error", err)
		return false
	}

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("push channel dropped, falling back to polling", "error", err)
			}
			return false
		}

		switch frame.Type {
		case "subscribed":
			// Active polling stays off while the subscription holds.
		case "error":
			t.logger.Debug("push subscription rejected, falling back to polling", "error", frame.Error)
			return false
		case "progress":
			terminal := s.merge(domain.ProgressSnapshot{
				JobID:   frame.JobID,
				Step:    frame.Step,
				Status:  frame.Status,
				Percent: frame.Percent,
				Message: frame.Message,
				Version: frame.Version,
			})
			if terminal {
				return true
			}
		}
	}
}

// pollLoop polls the snapshot endpoint until a terminal status, at 2s
// intervals once percent passes 80 and 5s before that.
func (t *Tracker) pollLoop(ctx context.Context, s *session) {
	for {
		interval := t.slowInterval
		if s.lastPercent > 80 {
			interval = t.fastInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		snap, ok, err := t.poll(ctx, s)
		if err != nil {
			t.logger.Warn("progress poll failed", "job_id", s.jobID, "error", err)
			continue
		}
		if !ok {
			continue // no change
		}
		if s.merge(snap) {
			return
		}
	}
}

// poll fetches the snapshot with the version cursor. ok is false on 204.
func (t *Tracker) poll(ctx context.Context, s *session) (domain.ProgressSnapshot, bool, error) {
	url := fmt.Sprintf("%s/api/v1/applications/%s/progress?last_version=%d", t.baseURL, s.jobID, s.lastVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ProgressSnapshot{}, false, err
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return domain.ProgressSnapshot{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return domain.ProgressSnapshot{}, false, nil
	case http.StatusOK:
		var snap domain.ProgressSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return domain.ProgressSnapshot{}, false, fmt.Errorf("decoding snapshot: %w", err)
		}
		return snap, true, nil
	default:
		return domain.ProgressSnapshot{}, false, fmt.Errorf("unexpected poll status %d", resp.StatusCode)
	}
}
