package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

type fakeBus struct {
	events chan []byte
	stream []domain.StreamMessage
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.events, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func decisionOf(t *testing.T, f frame) uint64 {
	t.Helper()
	var e struct {
		DecisionID uint64 `json:"decision_id"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	return e.DecisionID
}

func startHub(t *testing.T, bus *fakeBus) *Hub {
	t.Helper()
	h := NewHub(bus, "server", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func TestHubFiltersBySubscription(t *testing.T) {
	bus := &fakeBus{events: make(chan []byte, 4)}
	conn := dial(t, startHub(t, bus))
	require.Equal(t, "hello", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "subscribe", Decisions: []uint64{2}}))
	// A replay round trip confirms the subscription has been applied.
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay"}))
	require.Equal(t, "replayed", read(t, conn).Type)

	bus.events <- []byte(`{"decision_id":1,"type":"deposited"}`)
	bus.events <- []byte(`{"decision_id":2,"type":"deposited"}`)

	f := read(t, conn)
	require.Equal(t, "event", f.Type)
	require.Equal(t, uint64(2), decisionOf(t, f))
}

func TestHubReplaysStream(t *testing.T) {
	bus := &fakeBus{
		events: make(chan []byte),
		stream: []domain.StreamMessage{
			{ID: "1-0", Payload: []byte(`{"decision_id":1}`)},
			{ID: "2-0", Payload: []byte(`{"decision_id":3}`)},
			{ID: "3-0", Payload: []byte(`{"decision_id":1}`)},
		},
	}
	conn := dial(t, startHub(t, bus))
	require.Equal(t, "hello", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "subscribe", Decisions: []uint64{1}}))
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: "1-0"}))

	f := read(t, conn)
	require.Equal(t, "event", f.Type)
	require.Equal(t, uint64(1), decisionOf(t, f))

	f = read(t, conn)
	require.Equal(t, "replayed", f.Type)
	var cursor struct {
		Cursor string `json:"cursor"`
		Count  int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &cursor))
	require.Equal(t, "3-0", cursor.Cursor)
	require.Equal(t, 2, cursor.Count)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "shout"}))
	require.Equal(t, "error", read(t, conn).Type)
}
