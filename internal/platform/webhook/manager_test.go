package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// helper: create a Sender that retries without waiting.
func newTestSender(client *http.Client, retries int) *Sender {
	opts := []SenderOption{WithMaxRetries(retries), WithRetryDelays(0)}
	if client != nil {
		opts = append(opts, WithHTTPClient(client))
	}
	return NewSender("test-secret-key", NewDeliveryLog(10), opts...)
}

// ===================== Signature =====================

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"rule":"Elevated HbA1c","value":8.1}`)
	sig1 := SignPayload(payload, "secret-key")
	sig2 := SignPayload(payload, "secret-key")
	if sig1 != sig2 {
		t.Error("expected deterministic signatures")
	}
	if len(sig1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig1))
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"rule":"Elevated HbA1c"}`)
	sig := SignPayload(payload, "secret-key")
	if !VerifySignature(payload, "secret-key", sig) {
		t.Error("expected valid signature to verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Error("expected wrong secret to fail verification")
	}
	if VerifySignature(payload, "secret-key", "invalid-sig") {
		t.Error("expected invalid signature to fail verification")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/hook"},
		{"ftp scheme", "ftp://example.com/hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateURL(tt.url); err == nil {
				t.Errorf("expected error for URL %q", tt.url)
			}
		})
	}
	if err := ValidateURL("https://example.com/hook"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ===================== Delivery =====================

func TestSender_Send(t *testing.T) {
	var receivedBody []byte
	var receivedSig, receivedEvent, receivedCustom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		receivedSig = r.Header.Get("X-Webhook-Signature")
		receivedEvent = r.Header.Get("X-Webhook-Event")
		receivedCustom = r.Header.Get("X-Care-Team")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	s := newTestSender(ts.Client(), 3)
	d, err := s.Send(context.Background(), Request{
		URL:      ts.URL + "/hook",
		Event:    "lab_result",
		RuleID:   "rule-1",
		RuleName: "Elevated HbA1c",
		Body:     map[string]any{"patient_id": "p1", "value": 8.1},
		Headers:  map[string]string{"X-Care-Team": "endo"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != "success" || d.StatusCode != http.StatusOK || d.Attempts != 1 {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if receivedSig != "sha256="+SignPayload(receivedBody, "test-secret-key") {
		t.Errorf("signature header does not match body: %q", receivedSig)
	}
	if receivedEvent != "lab_result" || receivedCustom != "endo" {
		t.Errorf("unexpected headers: event=%q custom=%q", receivedEvent, receivedCustom)
	}
	var body map[string]any
	if err := json.Unmarshal(receivedBody, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["value"] != 8.1 {
		t.Errorf("expected value 8.1, got %v", body["value"])
	}
	if d.ResponseBody != `{"ok":true}` {
		t.Errorf("unexpected response body %q", d.ResponseBody)
	}
}

func TestSender_Send_Unsigned(t *testing.T) {
	var sig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Webhook-Signature")
	}))
	defer ts.Close()

	s := NewSender("", nil, WithHTTPClient(ts.Client()))
	if _, err := s.Send(context.Background(), Request{URL: ts.URL, Body: map[string]any{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "" {
		t.Errorf("expected no signature header, got %q", sig)
	}
}

func TestSender_Send_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	s := newTestSender(ts.Client(), 3)
	d, err := s.Send(context.Background(), Request{URL: ts.URL, Body: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got delivery=%d server=%d", d.Attempts, calls.Load())
	}
}

func TestSender_Send_GivesUp(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s := newTestSender(ts.Client(), 2)
	d, err := s.Send(context.Background(), Request{URL: ts.URL, Body: "x"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if d.Status != "failed" || d.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("unexpected delivery: %+v (server calls %d)", d, calls.Load())
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestSender_Send_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	s := newTestSender(ts.Client(), 3)
	if _, err := s.Send(context.Background(), Request{URL: ts.URL, Body: "x"}); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSender_Send_ContextCancelledBetweenRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewSender("k", nil, WithHTTPClient(ts.Client()), WithMaxRetries(5), WithRetryDelays(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := s.Send(ctx, Request{URL: ts.URL, Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if d.Attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", d.Attempts)
	}
}

func TestSender_Send_InvalidURL(t *testing.T) {
	s := newTestSender(nil, 0)
	if _, err := s.Send(context.Background(), Request{URL: "ftp://x"}); err == nil {
		t.Fatal("expected error")
	}
	if _, total := s.Log().List("", 10, 0); total != 0 {
		t.Errorf("invalid requests must not be logged, got %d", total)
	}
}

// ===================== Delivery log =====================

func TestDeliveryLog_BoundedNewestFirst(t *testing.T) {
	l := NewDeliveryLog(3)
	for i, rule := range []string{"a", "b", "a", "b", "a"} {
		l.Record(&Delivery{ID: string(rune('1' + i)), RuleID: rule})
	}

	items, total := l.List("", 10, 0)
	if total != 3 {
		t.Fatalf("expected 3 retained, got %d", total)
	}
	if items[0].ID != "5" || items[2].ID != "3" {
		t.Errorf("expected newest first, got %s..%s", items[0].ID, items[2].ID)
	}

	items, total = l.List("a", 10, 0)
	if total != 2 || items[0].ID != "5" {
		t.Errorf("unexpected filtered list: total=%d", total)
	}

	items, _ = l.List("", 2, 5)
	if len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}
}

func TestHandler_ListDeliveries(t *testing.T) {
	l := NewDeliveryLog(10)
	l.Record(&Delivery{ID: "d1", RuleID: "r1", Status: "success"})
	l.Record(&Delivery{ID: "d2", RuleID: "r2", Status: "failed"})

	e := echo.New()
	NewHandler(l).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhook-deliveries?rule_id=r2", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data  []Delivery `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Data[0].ID != "d2" {
		t.Errorf("unexpected response: %+v", resp)
	}
}
