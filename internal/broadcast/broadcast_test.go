package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alertPayload(t *testing.T, project, rule string) []byte {
	t.Helper()
	b, err := json.Marshal(model.Alert{
		ID:        "a1",
		ProjectID: project,
		TraceID:   "t1",
		SpanID:    "s1",
		RuleName:  rule,
		Severity:  model.SeverityMedium,
		Score:     60,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return b
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	h := NewHub(16, testLogger())

	all := h.Subscribe("")
	defer all.Close()
	scoped := h.Subscribe("proj-1")
	defer scoped.Close()
	other := h.Subscribe("proj-2")
	defer other.Close()

	h.Publish("proj-1", alertPayload(t, "proj-1", "prompt_injection"))

	select {
	case msg := <-all.C():
		assert.Contains(t, string(msg), "prompt_injection")
	default:
		t.Fatal("unscoped subscriber got nothing")
	}
	select {
	case <-scoped.C():
	default:
		t.Fatal("scoped subscriber got nothing")
	}
	select {
	case <-other.C():
		t.Fatal("other project's subscriber should get nothing")
	default:
	}
}

func TestHubDropsOldestOnBackpressure(t *testing.T) {
	const queueSize = 256
	h := NewHub(queueSize, testLogger())
	sub := h.Subscribe("")
	defer sub.Close()

	// A paused subscriber while 1000 alerts arrive.
	const published = 1000
	for i := 0; i < published; i++ {
		h.Publish("proj-1", []byte(fmt.Sprintf(`{"project_id":"proj-1","seq":%d}`, i)))
	}

	var got []int
	for {
		select {
		case msg := <-sub.C():
			var m struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(msg, &m))
			got = append(got, m.Seq)
			continue
		default:
		}
		break
	}

	// The queue holds the newest alerts; everything older was dropped.
	require.Len(t, got, queueSize)
	assert.Equal(t, published-queueSize, got[0])
	assert.Equal(t, published-1, got[len(got)-1])
	assert.Equal(t, int64(published-queueSize), sub.Dropped())
}

func TestHubUnsubscribeIdempotent(t *testing.T) {
	h := NewHub(4, testLogger())
	sub := h.Subscribe("")
	require.Equal(t, 1, h.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHubRunFansOutFromStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := bus.NewWithClient(client, 1000, testLogger())

	h := NewHub(16, testLogger())
	sub := h.Subscribe("proj-1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.Run(ctx, b, "c1", 100, 50*time.Millisecond)
	}()

	// Give Run time to create the group at the stream tail, then publish.
	time.Sleep(100 * time.Millisecond)
	_, err := b.Append(ctx, bus.StreamAlerts, alertPayload(t, "proj-1", "pii_ssn"))
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		assert.Contains(t, string(msg), "pii_ssn")
	case <-time.After(2 * time.Second):
		t.Fatal("alert never fanned out")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/alerts/stream" + query
}

func newWSServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /v1/alerts/stream", NewWSHandler(hub, []string{"*"}, testLogger()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWSDeliversAlerts(t *testing.T) {
	hub := NewHub(16, testLogger())
	srv := newWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?project=proj-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Publish("proj-1", alertPayload(t, "proj-1", "token_explosion"))
	hub.Publish("proj-2", alertPayload(t, "proj-2", "pii_ssn"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "token_explosion")

	// The proj-2 alert was filtered out; nothing else arrives.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWSAnswersClientPing(t *testing.T) {
	hub := NewHub(16, testLogger())
	srv := newWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(msg))
}

func TestWSClosesOnOversizeInbound(t *testing.T) {
	hub := NewHub(16, testLogger())
	srv := newWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	big := strings.Repeat("x", maxInboundBytes+1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
			}
			return
		}
	}
}

func TestWSRejectsDisallowedOrigin(t *testing.T) {
	hub := NewHub(16, testLogger())
	mux := http.NewServeMux()
	mux.Handle("GET /v1/alerts/stream", NewWSHandler(hub, []string{"http://localhost:3000"}, testLogger()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
