package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id string

	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed int
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestHub(clock clockwork.Clock) *Hub {
	return New(DefaultConfig(), clock, metrics.NoOp{})
}

func TestBroadcast_PrunesFailedConnectionsInSameCall(t *testing.T) {
	h := newTestHub(clockwork.NewFakeClock())
	a := &fakeClient{id: "a"}
	b := &fakeClient{id: "b", fail: true}
	c := &fakeClient{id: "c"}
	h.Register(a)
	h.Register(b)
	h.Register(c)

	res := h.Broadcast([]byte(`{"type":"notification"}`))

	assert.Equal(t, BroadcastResult{Delivered: 2, Pruned: 1}, res)
	assert.Equal(t, 2, h.Count())
	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 1, c.sentCount())
	assert.Equal(t, 1, b.closed)

	res = h.Broadcast([]byte(`{"type":"notification"}`))
	assert.Equal(t, BroadcastResult{Delivered: 2}, res)
	assert.Equal(t, 1, b.closed)
}

func TestBroadcast_NoConnections(t *testing.T) {
	h := newTestHub(clockwork.NewFakeClock())
	assert.Equal(t, BroadcastResult{}, h.Broadcast([]byte("x")))
}

func TestUnregister_IsIdempotent(t *testing.T) {
	h := newTestHub(clockwork.NewFakeClock())
	a := &fakeClient{id: "a"}
	h.Register(a)

	h.Unregister("a")
	h.Unregister("a")
	h.Unregister("never-registered")

	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 1, a.closed)
}

func TestSweep_DropsOnlyIdleConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(clock)
	active := &fakeClient{id: "active"}
	idle := &fakeClient{id: "idle"}
	h.Register(active)
	h.Register(idle)

	clock.Advance(30 * time.Second)
	h.Touch("active")
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, h.Sweep())
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, 1, idle.closed)
	assert.Equal(t, 0, active.closed)
}

func TestRun_SweepsOnTickAndClosesOnShutdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(clock)
	idle := &fakeClient{id: "idle"}
	h.Register(idle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultConfig().IdleTimeout + DefaultConfig().SweepInterval)
	assert.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)

	late := &fakeClient{id: "late"}
	h.Register(late)
	cancel()
	<-done
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 1, late.closed)
}

func TestNotify_FrameShape(t *testing.T) {
	h := newTestHub(clockwork.NewFakeClock())
	a := &fakeClient{id: "a"}
	h.Register(a)

	h.Notify("order.created", "Order #42 Confirmed", "Your order #42 has been confirmed", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	require.Equal(t, 1, a.sentCount())
	var f Frame
	require.NoError(t, json.Unmarshal(a.sent[0], &f))
	assert.Equal(t, FrameNotification, f.Type)
	require.NotNil(t, f.Data)
	assert.Equal(t, "Order #42 Confirmed", f.Data.Subject)
	assert.Equal(t, "2024-05-01T12:00:00Z", f.Data.Timestamp)
}

func TestHandler_WebSocketSession(t *testing.T) {
	h := New(DefaultConfig(), clockwork.NewRealClock(), metrics.NoOp{})
	mux := http.NewServeMux()
	NewHandler(h, DefaultClientConfig()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readFrame := func() Frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	first := readFrame()
	assert.Equal(t, FrameConnected, first.Type)
	assert.Equal(t, "Connected to notifications", first.Message)
	assert.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	assert.Equal(t, FramePong, readFrame().Type)

	h.Notify("order.status.updated", "Order #42 Status: Shipped", "Order #42 is now shipped", time.Now())
	f := readFrame()
	assert.Equal(t, FrameNotification, f.Type)
	assert.Equal(t, "order.status.updated", f.Data.EventType)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/stats", nil))
	assert.Contains(t, rec.Body.String(), `"total_connections":1`)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNew_NonPositiveSettingsUseDefaults(t *testing.T) {
	h := New(Config{}, clockwork.NewFakeClock(), metrics.NoOp{})
	assert.Equal(t, DefaultConfig(), h.config)

	cfg := DefaultClientConfig()
	cfg.PingInterval = 0
	cfg.ReadTimeout = -time.Second
	handler := NewHandler(h, cfg)
	assert.Equal(t, DefaultClientConfig().PingInterval, handler.config.PingInterval)
	assert.Equal(t, DefaultClientConfig().ReadTimeout, handler.config.ReadTimeout)
}

// Run with -race: every operation goes through the hub's single mutex.
func TestHub_ConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	h := newTestHub(clockwork.NewFakeClock())
	stable := &fakeClient{id: "stable"}
	h.Register(stable)

	const (
		churners   = 8
		perChurner = 50
		senders    = 4
		perSender  = 25
	)

	var wg sync.WaitGroup
	for g := 0; g < churners; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perChurner; i++ {
				c := &fakeClient{id: fmt.Sprintf("c-%d-%d", g, i), fail: i%5 == 0}
				h.Register(c)
				h.Touch(c.id)
				h.Unregister(c.id)
				h.Unregister(c.id)
			}
		}(g)
	}
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				h.Broadcast([]byte(`{"type":"notification"}`))
				_ = h.Count()
				_ = h.Stats()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, senders*perSender, stable.sentCount())
}
