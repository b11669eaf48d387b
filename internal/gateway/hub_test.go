package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) (*Hub, *JWTAuthenticator, string) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	auth := NewJWTAuthenticator("test-secret")
	hub := NewHub(auth, logger)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, auth, wsURL
}

func dialPush(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dialing push gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, out interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(out); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
}

func subscribeTo(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	if err := conn.WriteJSON(clientFrame{Action: "subscribe", Topic: topic}); err != nil {
		t.Fatalf("sending subscribe frame: %v", err)
	}
}

func waitForSubscribers(t *testing.T, hub *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count for %s = %d, want %d", topic, hub.SubscriberCount(topic), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_UnauthenticatedHandshakeSucceeds(t *testing.T) {
	hub, _, wsURL := setupTestHub(t)

	dialPush(t, wsURL, "")

	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want 1", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_UnauthenticatedSubscribeToProtectedTopicRejected(t *testing.T) {
	hub, _, wsURL := setupTestHub(t)
	conn := dialPush(t, wsURL, "")

	topic := TopicForJob("job-1")
	subscribeTo(t, conn, topic)

	var frame serverFrame
	readFrame(t, conn, &frame)
	if frame.Type != "error" || frame.Error != "unauthorized" {
		t.Errorf("frame = %+v, want an unauthorized error", frame)
	}
	if hub.SubscriberCount(topic) != 0 {
		t.Error("rejected subscription must not register the client on the topic")
	}
}

func TestHub_InvalidTokenConnectsButCannotSubscribe(t *testing.T) {
	_, _, wsURL := setupTestHub(t)

	// A bad credential is discarded at the handshake, not fatal to it.
	conn := dialPush(t, wsURL, "not-a-valid-token")

	topic := TopicForJob("job-1")
	subscribeTo(t, conn, topic)

	var frame serverFrame
	readFrame(t, conn, &frame)
	if frame.Type != "error" || frame.Error != "unauthorized" {
		t.Errorf("frame = %+v, want an unauthorized error", frame)
	}
}

func TestHub_AuthenticatedSubscribeReceivesProgress(t *testing.T) {
	hub, auth, wsURL := setupTestHub(t)

	token, err := auth.Issue("applicant-1", "applicant", time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	conn := dialPush(t, wsURL, token)

	topic := TopicForJob("job-1")
	subscribeTo(t, conn, topic)

	var ack serverFrame
	readFrame(t, conn, &ack)
	if ack.Type != "subscribed" || ack.Topic != topic {
		t.Fatalf("frame = %+v, want a subscribed ack for %s", ack, topic)
	}
	waitForSubscribers(t, hub, topic, 1)

	snapshots := []domain.ProgressSnapshot{
		{JobID: "job-1", Step: "validate", Status: domain.RunningStatus("validate"), Percent: 25, Version: 2},
		{JobID: "job-1", Step: "score", Status: domain.RunningStatus("score"), Percent: 60, Version: 4},
		{JobID: "job-1", Step: "done", Status: domain.StatusCompleted, Percent: 100, Version: 7},
	}
	for _, s := range snapshots {
		hub.PublishProgress(s)
	}

	lastVersion := int64(0)
	for i := range snapshots {
		var push pushFrame
		readFrame(t, conn, &push)
		if push.Type != "progress" || push.JobID != "job-1" {
			t.Fatalf("frame %d = %+v, want a progress push for job-1", i, push)
		}
		if push.Version <= lastVersion {
			t.Errorf("frame %d version = %d, want strictly increasing after %d", i, push.Version, lastVersion)
		}
		lastVersion = push.Version
	}
	if lastVersion != 7 {
		t.Errorf("final version = %d, want 7", lastVersion)
	}
}

func TestHub_PublishReachesOnlyTheJobsTopic(t *testing.T) {
	hub, auth, wsURL := setupTestHub(t)

	token, _ := auth.Issue("applicant-1", "applicant", time.Hour)
	conn := dialPush(t, wsURL, token)

	subscribeTo(t, conn, TopicForJob("job-a"))
	var ack serverFrame
	readFrame(t, conn, &ack)
	waitForSubscribers(t, hub, TopicForJob("job-a"), 1)

	// A snapshot for a different job must not reach this subscriber.
	hub.PublishProgress(domain.ProgressSnapshot{JobID: "job-b", Step: "validate", Percent: 25, Version: 2})
	hub.PublishProgress(domain.ProgressSnapshot{JobID: "job-a", Step: "score", Percent: 60, Version: 3})

	var push pushFrame
	readFrame(t, conn, &push)
	if push.JobID != "job-a" {
		t.Errorf("received push for %q, want only job-a frames", push.JobID)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, auth, wsURL := setupTestHub(t)

	token, _ := auth.Issue("applicant-1", "applicant", time.Hour)
	conn := dialPush(t, wsURL, token)

	topic := TopicForJob("job-1")
	subscribeTo(t, conn, topic)
	var ack serverFrame
	readFrame(t, conn, &ack)
	waitForSubscribers(t, hub, topic, 1)

	if err := conn.WriteJSON(clientFrame{Action: "unsubscribe", Topic: topic}); err != nil {
		t.Fatalf("sending unsubscribe frame: %v", err)
	}
	readFrame(t, conn, &ack)
	if ack.Type != "unsubscribed" {
		t.Fatalf("frame = %+v, want an unsubscribed ack", ack)
	}
	if hub.SubscriberCount(topic) != 0 {
		t.Errorf("subscriber count = %d, want 0 after unsubscribe", hub.SubscriberCount(topic))
	}
}

func TestHub_UnknownActionGetsErrorFrame(t *testing.T) {
	_, auth, wsURL := setupTestHub(t)

	token, _ := auth.Issue("applicant-1", "applicant", time.Hour)
	conn := dialPush(t, wsURL, token)

	if err := conn.WriteJSON(clientFrame{Action: "shout", Topic: "/topic/x"}); err != nil {
		t.Fatalf("sending frame: %v", err)
	}

	var frame serverFrame
	readFrame(t, conn, &frame)
	if frame.Type != "error" {
		t.Errorf("frame = %+v, want an error frame", frame)
	}
}

func TestHub_DisconnectRemovesClientAndSubscriptions(t *testing.T) {
	hub, auth, wsURL := setupTestHub(t)

	token, _ := auth.Issue("applicant-1", "applicant", time.Hour)
	conn := dialPush(t, wsURL, token)

	topic := TopicForJob("job-1")
	subscribeTo(t, conn, topic)
	var ack serverFrame
	readFrame(t, conn, &ack)
	waitForSubscribers(t, hub, topic, 1)

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != 0 || hub.SubscriberCount(topic) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d subscribers=%d, want 0/0 after disconnect",
				hub.ClientCount(), hub.SubscriberCount(topic))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushFrame_ShapeMatchesPollingResponse(t *testing.T) {
	data, err := json.Marshal(pushFrame{
		Type: "progress", Topic: TopicForJob("job-1"),
		JobID: "job-1", Step: "score", Status: "running:score",
		Percent: 60, Message: "scoring complete", Version: 4,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"type", "topic", "job_id", "step", "status", "percent", "message", "version"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("push frame missing field %q", field)
		}
	}
}
