package realtime

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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/escrow"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func attach(t *testing.T, h *Hub, owner string, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 256), owner: owner, sub: sub}
	h.register <- client
	return client
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShouldSend_Filters(t *testing.T) {
	h := testHub()
	held := &Event{Type: EventEscrowHeld, OrderID: "ord_1", BuyerID: "buyer_1", VendorID: "vendor_1", Amount: 21000}
	status := &Event{Type: EventOrderStatus, OrderID: "ord_2", BuyerID: "buyer_2", VendorID: "vendor_1"}

	tests := []struct {
		name   string
		client *Client
		event  *Event
		want   bool
	}{
		{"all events", &Client{sub: Subscription{AllEvents: true}}, held, true},
		{"empty subscription", &Client{}, status, true},
		{"type match", &Client{sub: Subscription{EventTypes: []EventType{EventEscrowHeld}}}, held, true},
		{"type miss", &Client{sub: Subscription{EventTypes: []EventType{EventEscrowReleased}}}, held, false},
		{"order match", &Client{sub: Subscription{OrderIDs: []string{"ord_2"}}}, status, true},
		{"order miss", &Client{sub: Subscription{OrderIDs: []string{"ord_2"}}}, held, false},
		{"min amount met", &Client{sub: Subscription{MinAmount: 20000}}, held, true},
		{"min amount not met", &Client{sub: Subscription{MinAmount: 50000}}, held, false},
		{"min amount ignores status events", &Client{sub: Subscription{MinAmount: 50000}}, status, true},
		{"owner as buyer", &Client{owner: "buyer_1", sub: Subscription{AllEvents: true}}, held, true},
		{"owner as vendor", &Client{owner: "vendor_1", sub: Subscription{AllEvents: true}}, status, true},
		{"owner unrelated", &Client{owner: "buyer_1", sub: Subscription{AllEvents: true}}, status, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.shouldSend(tt.client, tt.event))
		})
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, "", Subscription{AllEvents: true})

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))
}

func TestHub_OrderAndEscrowEvents(t *testing.T) {
	h := runHub(t)
	buyer := attach(t, h, "buyer_1", Subscription{AllEvents: true})
	other := attach(t, h, "buyer_9", Subscription{AllEvents: true})

	o := &orders.Order{
		ID: "ord_1", TrackingNumber: "ORD-2026-ABCDEF", BuyerID: "buyer_1", VendorID: "vendor_1",
		Status: orders.StatusProcessing, PaymentStatus: orders.PaymentHeld,
	}
	h.OrderStatusChanged(context.Background(), o, orders.StatusPending)

	ev := receive(t, buyer)
	assert.Equal(t, EventOrderStatus, ev.Type)
	assert.Equal(t, "processing", ev.Status)
	assert.Equal(t, "pending", ev.PreviousStatus)
	assert.Equal(t, "ORD-2026-ABCDEF", ev.TrackingNumber)

	h.EscrowEvent(context.Background(), escrow.Event{
		Type: escrow.EventReleased, OrderID: "ord_1", BuyerID: "buyer_1", VendorID: "vendor_1",
		Amount: 21000, ReferenceID: escrow.ReleaseReference("ord_1"), At: time.Now().UTC(),
	})
	ev = receive(t, buyer)
	assert.Equal(t, EventEscrowReleased, ev.Type)
	assert.Equal(t, int64(21000), ev.Amount)
	assert.Equal(t, "ESCROW-RELEASE-ord_1", ev.ReferenceID)

	assertNothing(t, other)
	assert.Equal(t, int64(2), h.Stats()["totalEvents"].(int64))
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	client := attach(t, h, "", Subscription{AllEvents: true})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("hub did not stop after context cancellation")
	}
	_, open := <-client.send
	assert.False(t, open)
}

func TestStream_WebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runHub(t)

	r := gin.New()
	r.Use(auth.Middleware(""))
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"

	resp, err := http.Get(srv.URL + "/v1/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(auth.HeaderActorID, "vendor_1")
	header.Set(auth.HeaderActorRole, auth.RoleVendor)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventEscrowHeld}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)
	// let the subscription update land before broadcasting
	time.Sleep(50 * time.Millisecond)

	h.OrderStatusChanged(context.Background(), &orders.Order{ID: "ord_1", BuyerID: "buyer_1", VendorID: "vendor_1"}, orders.StatusPending)
	h.EscrowEvent(context.Background(), escrow.Event{Type: escrow.EventHeld, OrderID: "ord_2", BuyerID: "buyer_1", VendorID: "vendor_2", Amount: 10})
	h.EscrowEvent(context.Background(), escrow.Event{Type: escrow.EventHeld, OrderID: "ord_3", BuyerID: "buyer_1", VendorID: "vendor_1", Amount: 500})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventEscrowHeld, ev.Type)
	assert.Equal(t, "ord_3", ev.OrderID)
}
