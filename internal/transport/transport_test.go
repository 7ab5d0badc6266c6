package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainPulse/internal/agent"
	"ChainPulse/internal/llm"
)

type countingLifecycle struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (l *countingLifecycle) Start() { l.starts.Add(1) }
func (l *countingLifecycle) Stop() { l.stops.Add(1) }

type scriptedTurns struct {
	events []agent.Event
	delay  time.Duration
	block  bool

	mu     sync.Mutex
	active int
	peak   int
	calls  []string
}

func (s *scriptedTurns) ProcessTurn(ctx context.Context, sessionID, text string) <-chan agent.Event {
	out := make(chan agent.Event)
	go func() {
		defer close(out)
		s.enter(sessionID + ":" + text)
		defer s.exit()
		if s.block {
			<-ctx.Done()
			return
		}
		time.Sleep(s.delay)
		for _, ev := range s.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *scriptedTurns) enter(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
}

func (s *scriptedTurns) exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

func (s *scriptedTurns) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, append([]string(nil), s.calls...)
}

type received struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type harness struct {
	hub     *Hub
	handler *Handler
	server  *httptest.Server
	url     string
}

func newHarness(t *testing.T, turns TurnProcessor, hubOpts []HubOption, opts ...HandlerOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(hubOpts...)
	var seq atomic.Int32
	opts = append([]HandlerOption{WithClientIDs(func() string { return fmt.Sprintf("c%d", seq.Add(1)) })}, opts...)
	handler := NewHandler(ctx, hub, turns, opts...)

	e := echo.New()
	e.GET("/ws", handler.ServeWS)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		hub.Close()
		server.Close()
		handler.Wait()
	})
	return &harness{
		hub:     hub,
		handler: handler,
		server:  server,
		url:     "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	status := read(t, conn)
	require.Equal(t, TypeConnectionStatus, status.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readChat(t *testing.T, conn *websocket.Conn) ChatData {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, TypeChat, msg.Type)
	var data ChatData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestConnectLifecycle(t *testing.T) {
	life := &countingLifecycle{}
	h := newHarness(t, &scriptedTurns{}, []HubOption{WithLifecycle(life)})

	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	status := read(t, conn)
	require.Equal(t, TypeConnectionStatus, status.Type)
	var payload ConnectionStatus
	require.NoError(t, json.Unmarshal(status.Data, &payload))
	assert.Equal(t, "c1", payload.ClientID)
	assert.Equal(t, "connected", payload.Status)
	assert.NotZero(t, status.Timestamp)

	second := h.dial(t)
	require.Eventually(t, func() bool { return h.hub.Clients() == 2 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, life.starts.Load())

	conn.Close()
	second.Close()
	require.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, life.stops.Load())
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, &scriptedTurns{}, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, TypePong, read(t, conn).Type)
}

func TestMalformedMessagesProduceErrors(t *testing.T) {
	turns := &scriptedTurns{}
	h := newHarness(t, turns, nil)
	conn := h.dial(t)

	cases := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"launch"}`,
		`{"type":"chat"}`,
		`{"type":"subscribe","data":{}}`,
	}
	for _, raw := range cases {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		msg := read(t, conn)
		require.Equal(t, TypeError, msg.Type, raw)
		var data ErrorData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "MALFORMED_MESSAGE", data.Code, raw)
	}
	_, calls := turns.snapshot()
	assert.Empty(t, calls)
}

func TestChatForwardsEventsInOrder(t *testing.T) {
	turns := &scriptedTurns{events: []agent.Event{
		agent.StepEvent{Step: agent.Step{ID: "s1", Type: agent.StepThinking}},
		agent.TextEvent{Content: "Block "},
		agent.ToolCallEvent{Call: llm.ToolCall{ID: "t1", Name: "get_latest_block", Status: llm.ToolPending}},
		agent.TextEvent{Content: "840000"},
		agent.DoneEvent{Message: llm.Message{ID: "m1", Role: llm.RoleAssistant, Content: "Block 840000"}},
	}}
	h := newHarness(t, turns, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"message": "latest block?"}})

	var kinds []string
	var last ChatData
	for i := 0; i < len(turns.events); i++ {
		last = readChat(t, conn)
		assert.Equal(t, "c1", last.SessionID)
		kinds = append(kinds, last.Type)
	}
	assert.Equal(t, []string{ChatStep, ChatText, ChatToolCall, ChatText, ChatDone}, kinds)
	require.NotNil(t, last.Message)
	assert.Equal(t, "Block 840000", last.Message.Content)

	_, calls := turns.snapshot()
	assert.Equal(t, []string{"c1:latest block?"}, calls)
}

func TestChatErrorEventCarriesCodeAndPartial(t *testing.T) {
	turns := &scriptedTurns{events: []agent.Event{
		agent.TextEvent{Content: "half"},
		agent.ErrorEvent{Message: "Error: model stream interrupted", Partial: "half"},
	}}
	h := newHarness(t, turns, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s-1", "message": "hi"}})
	readChat(t, conn)
	ev := readChat(t, conn)
	assert.Equal(t, ChatError, ev.Type)
	assert.Equal(t, "half", ev.Content)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "Error: model stream interrupted", ev.Error.Message)
}

func TestZeroEventTurnSynthesizesDone(t *testing.T) {
	h := newHarness(t, &scriptedTurns{}, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s-1", "message": "hi"}})
	ev := readChat(t, conn)
	assert.Equal(t, ChatDone, ev.Type)
	assert.Equal(t, "s-1", ev.SessionID)
}

func TestTurnSafetyTimeout(t *testing.T) {
	turns := &scriptedTurns{block: true}
	h := newHarness(t, turns, nil, WithTurnTimeout(100*time.Millisecond))
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s-1", "message": "hi"}})
	ev := readChat(t, conn)
	assert.Equal(t, ChatError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "TURN_TIMEOUT", ev.Error.Code)
	require.Eventually(t, func() bool { return h.handler.ActiveTurns() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	turns := &scriptedTurns{
		delay:  50 * time.Millisecond,
		events: []agent.Event{agent.DoneEvent{Message: llm.Message{Content: "ok"}}},
	}
	h := newHarness(t, turns, nil)
	conn := h.dial(t)

	for _, text := range []string{"first", "second", "third"} {
		send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s-1", "message": text}})
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, ChatDone, readChat(t, conn).Type)
	}
	peak, calls := turns.snapshot()
	assert.Equal(t, 1, peak)
	assert.Len(t, calls, 3)
}

func TestTurnsRunInSendOrder(t *testing.T) {
	for trial := 0; trial < 10; trial++ {
		turns := &scriptedTurns{events: []agent.Event{agent.DoneEvent{Message: llm.Message{Content: "ok"}}}}
		h := newHarness(t, turns, nil)
		conn := h.dial(t)

		var want []string
		for i := 0; i < 8; i++ {
			text := fmt.Sprintf("m%d", i)
			want = append(want, "s:"+text)
			send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s", "message": text}})
		}
		for i := 0; i < 8; i++ {
			require.Equal(t, ChatDone, readChat(t, conn).Type)
		}
		_, calls := turns.snapshot()
		require.Equal(t, want, calls, "trial %d", trial)
	}
}

func TestAbandonedTicketKeepsOrder(t *testing.T) {
	q := newTurnQueue()
	first := q.enqueue("s")
	require.NoError(t, first.wait(context.Background()))

	second := q.enqueue("s")
	third := q.enqueue("s")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, second.wait(ctx), context.DeadlineExceeded)

	waited := make(chan struct{})
	go func() {
		_ = third.wait(context.Background())
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("third ran before the first turn released")
	case <-time.After(50 * time.Millisecond):
	}
	first.release()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("third never ran")
	}
	third.release()
	require.Eventually(t, func() bool { return q.busy() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSlowReaderReceivesEveryEvent(t *testing.T) {
	chunk := strings.Repeat("x", 4<<10)
	events := make([]agent.Event, 0, 1001)
	for i := 0; i < 1000; i++ {
		events = append(events, agent.TextEvent{Content: chunk})
	}
	events = append(events, agent.DoneEvent{Message: llm.Message{Content: "ok"}})
	turns := &scriptedTurns{events: events}
	h := newHarness(t, turns, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s", "message": "hi"}})
	time.Sleep(500 * time.Millisecond)

	texts := 0
	for {
		ev := readChat(t, conn)
		if ev.Type == ChatDone {
			break
		}
		require.Equal(t, ChatText, ev.Type)
		texts++
	}
	assert.Equal(t, 1000, texts)
	assert.Zero(t, h.hub.Stats().Dropped)
}

func TestStalledReaderIsDisconnected(t *testing.T) {
	chunk := strings.Repeat("x", 64<<10)
	events := make([]agent.Event, 0, 1001)
	for i := 0; i < 1000; i++ {
		events = append(events, agent.TextEvent{Content: chunk})
	}
	events = append(events, agent.DoneEvent{Message: llm.Message{Content: "ok"}})
	h := newHarness(t, &scriptedTurns{events: events}, nil, WithWriteWait(100*time.Millisecond))
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "chat", "data": map[string]any{"sessionId": "s", "message": "hi"}})
	require.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return h.handler.ActiveTurns() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestTurnQueueIsFIFO(t *testing.T) {
	q := newTurnQueue()
	release, err := q.acquire(context.Background(), "s")
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := q.acquire(context.Background(), "s")
			if err != nil {
				return
			}
			order <- n
			rel()
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	release()
	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, q.busy())
}

func TestTurnQueueWaitIsBounded(t *testing.T) {
	q := newTurnQueue()
	release, err := q.acquire(context.Background(), "s")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.acquire(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	h := newHarness(t, &scriptedTurns{}, nil)
	member := h.dial(t)
	other := h.dial(t)

	send(t, member, map[string]any{"type": "subscribe", "data": map[string]any{"groups": []string{"blocks", "blocks", " "}}})
	ack := read(t, member)
	require.Equal(t, TypeConnectionStatus, ack.Type)
	var status ConnectionStatus
	require.NoError(t, json.Unmarshal(ack.Data, &status))
	assert.Equal(t, "subscribed", status.Status)
	assert.Equal(t, []string{"blocks"}, status.Groups)
	assert.Equal(t, map[string]int{"blocks": 1}, h.hub.Groups())

	assert.Equal(t, 1, h.hub.Broadcast("realtime_block", map[string]any{"height": 99}, "blocks"))
	assert.Equal(t, "realtime_block", read(t, member).Type)

	assert.Equal(t, 2, h.hub.Broadcast("realtime_fee", map[string]any{"fast": 12}, ""))
	assert.Equal(t, "realtime_fee", read(t, member).Type)
	assert.Equal(t, "realtime_fee", read(t, other).Type)

	send(t, member, map[string]any{"type": "unsubscribe", "data": map[string]any{"group": "blocks"}})
	read(t, member)
	assert.Empty(t, h.hub.Groups())
	assert.Equal(t, 0, h.hub.Broadcast("realtime_block", nil, "blocks"))
}

func TestHeartbeatEvictsSilentClients(t *testing.T) {
	h := newHarness(t, &scriptedTurns{}, nil)
	responsive := h.dial(t)
	h.dial(t)

	require.NoError(t, responsive.SetReadDeadline(time.Time{}))
	go func() {
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, 0, h.hub.Sweep())
	h.hub.mu.Lock()
	c1 := h.hub.clients["c1"]
	h.hub.mu.Unlock()
	require.NotNil(t, c1)
	require.Eventually(t, func() bool { return c1.alive.Load() }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.hub.Sweep())
	assert.Equal(t, 1, h.hub.Clients())
	assert.EqualValues(t, 1, h.hub.Stats().Evicted)
}

func TestSendToClosedClientIsDropped(t *testing.T) {
	hub := NewHub()
	c := newClient("c1", nil, hub, 1)
	assert.True(t, c.Send(Envelope{Type: TypePong}))
	assert.False(t, c.Send(Envelope{Type: TypePong}))
	c.close()
	assert.False(t, c.Send(Envelope{Type: TypePong}))
	assert.EqualValues(t, 2, hub.Stats().Dropped)
}
