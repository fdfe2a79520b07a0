package purchase_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/purchase"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/webhook"
	"github.com/plushify/plushify-api/internal/testutil/memstore"
)

const testSecret = "whsec_c2VjcmV0LWZvci10ZXN0cw=="

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, evt eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func newWebhookServer(t *testing.T) (*httptest.Server, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	h := purchase.NewHandler(purchase.NewService(memstore.New().Purchases(), bus, nil), webhook.NewVerifier(testSecret))
	srv := httptest.NewServer(h.WebhookRoutes())
	t.Cleanup(srv.Close)
	return srv, bus
}

func deliver(t *testing.T, url string, body []byte, sign bool) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/polar", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		id := "msg_" + uuid.NewString()
		ts, sig := webhook.Sign(testSecret, id, time.Now(), body)
		req.Header.Set(webhook.HeaderID, id)
		req.Header.Set(webhook.HeaderTimestamp, ts)
		req.Header.Set(webhook.HeaderSignature, sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func orderBody(t *testing.T, eventType string, data map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"type": eventType, "data": data})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhookQueuesPaidOrder(t *testing.T) {
	srv, bus := newWebhookServer(t)
	userID := uuid.New()

	body := orderBody(t, "order.paid", map[string]interface{}{
		"id":         "ord_42",
		"user_id":    userID.String(),
		"product_id": proProductID,
		"amount":     1900,
	})
	resp := deliver(t, srv.URL, body, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	if len(bus.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(bus.events))
	}
	evt := bus.events[0]
	if evt.ID != purchase.OrderEventID("ord_42") || evt.Type != purchase.EventOrderPaid {
		t.Fatalf("unexpected event %s/%s", evt.ID, evt.Type)
	}
	var order purchase.OrderPaid
	if err := evt.Decode(&order); err != nil {
		t.Fatal(err)
	}
	if order.UserID != userID || order.ProductID != proProductID || order.Amount != 1900 {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestWebhookRejectsUnsigned(t *testing.T) {
	srv, bus := newWebhookServer(t)
	body := orderBody(t, "order.paid", map[string]interface{}{"id": "ord_1"})

	if resp := deliver(t, srv.URL, body, false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if len(bus.events) != 0 {
		t.Fatal("unsigned delivery published an event")
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	srv, bus := newWebhookServer(t)
	body := orderBody(t, "checkout.created", map[string]interface{}{"id": "chk_1"})

	if resp := deliver(t, srv.URL, body, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(bus.events) != 0 {
		t.Fatal("ignored event was published")
	}
}

func TestWebhookValidatesOrder(t *testing.T) {
	srv, _ := newWebhookServer(t)
	body := orderBody(t, "order.paid", map[string]interface{}{
		"id":      "ord_1",
		"user_id": "not-a-uuid",
	})

	if resp := deliver(t, srv.URL, body, true); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}
