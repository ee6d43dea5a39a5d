package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type    string                     `json:"type"`
	Cursor  uint64                     `json:"cursor"`
	Scopes  []string                   `json:"scopes"`
	Code    string                     `json:"code"`
	TS      int64                      `json:"ts"`
	Points  map[string]json.RawMessage `json:"points"`
	Alarms  []json.RawMessage          `json:"alarms"`
	Diffs   map[Collection]Diff        `json:"diffs"`
	HBMs    int64                      `json:"heartbeatMs"`
	Message string                     `json:"message"`
}

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := New(opts, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	welcome := read(t, ws)
	require.Equal(t, "welcome", welcome.Type)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, msg, err := ws.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", msg)
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func pointItem(t *testing.T, loc, tag string, value float64) Item {
	it, err := NewItem(loc+"."+tag, SystemScope(loc), map[string]interface{}{"loc": loc, "tag": tag, "value": value})
	require.NoError(t, err)
	return it
}

func alarmItem(t *testing.T, loc, tag string, crit int) Item {
	it, err := NewItem(loc+"::"+tag, ScopeAlarms, map[string]interface{}{"loc": loc, "tag": tag, "crit": crit})
	require.NoError(t, err)
	return it
}

func TestWelcomeAndPing(t *testing.T) {
	_, url := startHub(t, Options{HeartbeatInterval: 25 * time.Second})
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	welcome := read(t, ws)
	assert.Equal(t, "welcome", welcome.Type)
	assert.Equal(t, int64(25000), welcome.HBMs)

	send(t, ws, map[string]string{"type": "hello", "client": "hmi"})
	send(t, ws, map[string]string{"type": "ping"})
	pong := read(t, ws)
	assert.Equal(t, "pong", pong.Type)
	assert.NotZero(t, pong.TS)
}

func TestProtocolErrors(t *testing.T) {
	h, url := startHub(t, Options{})
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, CodeBadJSON, read(t, ws).Code)

	send(t, ws, map[string]string{"type": "dance"})
	assert.Equal(t, CodeBadType, read(t, ws).Code)

	send(t, ws, map[string]interface{}{"type": "subscribe", "scopes": []string{}})
	f := read(t, ws)
	assert.Equal(t, CodeBadSubscribe, f.Code)
	assert.Equal(t, "scopes required", f.Message)

	send(t, ws, map[string]interface{}{"type": "subscribe", "scopes": []string{"alarms", "system:"}})
	assert.Equal(t, CodeBadSubscribe, read(t, ws).Code)

	// rejected requests leave no subscription behind
	h.mu.Lock()
	assert.Empty(t, h.scopes)
	h.mu.Unlock()

	// the connection stays usable
	send(t, ws, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", read(t, ws).Type)
}

func TestTwoConnectionScoping(t *testing.T) {
	h, url := startHub(t, Options{})
	h.Seed(Snapshot{Points: {pointItem(t, "NBT", "LT1.Level", 40)}})

	first := dial(t, url)
	second := dial(t, url)

	send(t, first, map[string]interface{}{"type": "subscribe", "scopes": []string{"system:NBT"}})
	snap := read(t, first)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Contains(t, snap.Points, "NBT.LT1.Level")

	send(t, second, map[string]interface{}{"type": "subscribe", "scopes": []string{"alarms"}})
	snap = read(t, second)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Empty(t, snap.Points)

	cursor, ok := h.Publish(Snapshot{Points: {pointItem(t, "NBT", "LT1.Level", 41)}})
	require.True(t, ok)

	update := read(t, first)
	assert.Equal(t, "update", update.Type)
	assert.Equal(t, cursor, update.Cursor)
	assert.Equal(t, []string{"system:NBT"}, update.Scopes)
	assert.Contains(t, update.Diffs[Points].Changed, "NBT.LT1.Level")

	assertSilent(t, first)
	assertSilent(t, second)
}

func TestOneUpdatePerConnection(t *testing.T) {
	h, url := startHub(t, Options{})
	ws := dial(t, url)

	send(t, ws, map[string]interface{}{"type": "subscribe", "scopes": []string{"system:NBT", "alarms"}})
	require.Equal(t, "snapshot", read(t, ws).Type)

	_, ok := h.Publish(Snapshot{
		Points: {pointItem(t, "NBT", "LT1.Level", 90), pointItem(t, "SBT", "LT2.Level", 1)},
		Alarms: {alarmItem(t, "NBT", "LT1.Level", 2)},
	})
	require.True(t, ok)

	update := read(t, ws)
	assert.Equal(t, []string{"alarms", "system:NBT"}, update.Scopes)
	assert.Len(t, update.Diffs[Points].Changed, 1, "SBT is not subscribed")
	assert.Len(t, update.Diffs[Alarms].Changed, 1)
	assertSilent(t, ws)
}

func TestRemovedKeys(t *testing.T) {
	h, url := startHub(t, Options{})
	h.Seed(Snapshot{Alarms: {alarmItem(t, "NBT", "SUP001.Trip", 3)}})
	ws := dial(t, url)

	send(t, ws, map[string]interface{}{"type": "subscribe", "scopes": []string{"alarms"}})
	snap := read(t, ws)
	require.Len(t, snap.Alarms, 1)

	_, ok := h.Publish(Snapshot{Alarms: {}})
	require.True(t, ok)
	update := read(t, ws)
	assert.Equal(t, []string{"NBT::SUP001.Trip"}, update.Diffs[Alarms].Removed)

	send(t, ws, map[string]interface{}{"type": "unsubscribe", "scopes": []string{"alarms"}})
	send(t, ws, map[string]string{"type": "ping"})
	require.Equal(t, "pong", read(t, ws).Type)

	h.Publish(Snapshot{Alarms: {alarmItem(t, "NBT", "SUP001.Trip", 3)}})
	assertSilent(t, ws)

	h.mu.Lock()
	assert.Empty(t, h.scopes, "empty scopes are dropped")
	h.mu.Unlock()
}

func TestCursorStrictlyIncreasing(t *testing.T) {
	h := New(Options{}, nil)

	c1, ok := h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 1)}})
	require.True(t, ok)

	c, ok := h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 1)}})
	assert.False(t, ok, "identical state is not a diff")
	assert.Equal(t, c1, c)

	c2, ok := h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 2)}})
	require.True(t, ok)
	c3, ok := h.Publish(Snapshot{Points: {}})
	require.True(t, ok)

	assert.Less(t, c1, c2)
	assert.Less(t, c2, c3)
	assert.Equal(t, c3, h.Cursor())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := New(Options{SendQueue: 1}, nil)
	c := &conn{
		id:     "slow",
		hub:    h,
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		scopes: map[string]struct{}{"system:NBT": {}},
	}
	h.conns[c] = struct{}{}
	h.scopes["system:NBT"] = map[*conn]struct{}{c: {}}

	h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 1)}})
	assert.Equal(t, 1, h.Clients())

	h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 2)}})
	assert.Equal(t, 0, h.Clients())
	assert.Empty(t, h.scopes)

	select {
	case <-c.done:
	default:
		t.Fatal("dropped connection was not shut down")
	}

	// later deliveries are no-ops
	h.Publish(Snapshot{Points: {pointItem(t, "NBT", "A", 3)}})
	assert.Len(t, c.send, 1)
}

func TestSilentClientTimesOut(t *testing.T) {
	h, url := startHub(t, Options{HeartbeatInterval: 100 * time.Millisecond})
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// the client never reads, so server pings go unanswered
	assert.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	_, url := startHub(t, Options{AllowedOrigins: []string{"http://hmi.local"}})

	_, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"http://evil.example"}})
	assert.Error(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"http://hmi.local"}})
	require.NoError(t, err)
	ws.Close()
}

func TestValidScope(t *testing.T) {
	assert.True(t, ValidScope("alarms"))
	assert.True(t, ValidScope("events"))
	assert.True(t, ValidScope("system:NBT"))
	assert.False(t, ValidScope("system:"))
	assert.False(t, ValidScope("points"))
}
