package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestSubscriptionMatches_Default(t *testing.T) {
	var sub Subscription

	if !sub.matches(&Event{Type: EventPaymentSucceeded}) {
		t.Error("zero subscription should receive everything")
	}
}

func TestSubscriptionMatches_TypeFilter(t *testing.T) {
	sub := Subscription{EventTypes: []EventType{EventEscrowReleased, EventEscrowRefunded}}

	if !sub.matches(&Event{Type: EventEscrowReleased}) {
		t.Error("should receive escrow.released")
	}
	if sub.matches(&Event{Type: EventPaymentFailed}) {
		t.Error("should NOT receive payment.failed")
	}
}

func TestSubscriptionMatches_OrderFilter(t *testing.T) {
	sub := Subscription{OrderIDs: []string{"ord_a"}}

	if !sub.matches(&Event{Type: EventPaymentSucceeded, OrderID: "ord_a"}) {
		t.Error("should match watched order")
	}
	if sub.matches(&Event{Type: EventPaymentSucceeded, OrderID: "ord_b"}) {
		t.Error("should NOT match other orders")
	}
}

func TestSubscriptionMatches_ProviderFilter(t *testing.T) {
	sub := Subscription{Providers: []string{"stripe"}}

	if !sub.matches(&Event{Type: EventPaymentSucceeded, Provider: "stripe"}) {
		t.Error("should match stripe events")
	}
	if sub.matches(&Event{Type: EventPaymentSucceeded, Provider: "chain"}) {
		t.Error("should NOT match chain events")
	}
}

func TestHubBroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the register channel a beat.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(EventPaymentSucceeded, "ord_a", "mock", map[string]any{"paymentId": "pay_a"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventPaymentSucceeded {
		t.Errorf("type = %s, want %s", got.Type, EventPaymentSucceeded)
	}
	if got.OrderID != "ord_a" {
		t.Errorf("orderId = %s, want ord_a", got.OrderID)
	}
}

func TestHubFiltersBySubscription(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Subscribe to dispute events only, then give readPump a beat.
	sub := Subscription{EventTypes: []EventType{EventDisputeOpened}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write sub: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(EventPaymentSucceeded, "ord_x", "mock", nil)
	h.Publish(EventDisputeOpened, "ord_y", "", nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventDisputeOpened {
		t.Errorf("filtered client received %s, want %s", got.Type, EventDisputeOpened)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	// Hub refuses upgrades after shutdown.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusServiceUnavailable {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("hub kept accepting upgrades after shutdown")
}
