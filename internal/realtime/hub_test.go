package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caravel/internal/events"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(t.Logf)
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return hub, "ws" + srv.URL[len("http"):]
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) StatusUpdate {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var update StatusUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return update
}

func TestHub_BroadcastsEventAsStatusFrame(t *testing.T) {
	t.Parallel()

	hub, url := newHubServer(t)
	conn := dialHub(t, url)

	// Registration races the broadcast; give the hub a beat to process it.
	time.Sleep(20 * time.Millisecond)

	evt := events.Envelope{
		ID:         "evt-1",
		OrderID:    "order-1",
		Type:       events.TypeOrderConfirmed,
		State:      "confirmed",
		Seq:        4,
		OccurredAt: time.Now(),
	}
	if err := hub.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	update := readUpdate(t, conn)
	if update.OrderID != "order-1" || update.State != "confirmed" || update.Seq != 4 {
		t.Fatalf("unexpected frame: %+v", update)
	}
}

func TestHub_OrderFilterSuppressesOtherOrders(t *testing.T) {
	t.Parallel()

	hub, url := newHubServer(t)
	conn := dialHub(t, url+"?order_id=order-2")

	time.Sleep(20 * time.Millisecond)

	_ = hub.HandleEvent(context.Background(), events.Envelope{
		ID: "evt-1", OrderID: "order-1", Type: events.TypeOrderCancelled, State: "cancelled", Seq: 1,
	})
	_ = hub.HandleEvent(context.Background(), events.Envelope{
		ID: "evt-2", OrderID: "order-2", Type: events.TypeOrderConfirmed, State: "confirmed", Seq: 3,
	})

	update := readUpdate(t, conn)
	if update.OrderID != "order-2" {
		t.Fatalf("filtered client received frame for %s", update.OrderID)
	}
}
