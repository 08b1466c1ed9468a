package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetPayment_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/payments/ord-1" {
			t.Fatalf("path = %s, want /api/payments/ord-1", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(PaymentInfo{OrderID: "ord-1", Status: "SUCCEEDED"}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayment(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if res == nil || res.OrderID != "ord-1" {
		t.Fatalf("unexpected response: %+v", res)
	}

	status, err := ParseStatus(res.Status)
	if err != nil || status != StatusPaid {
		t.Fatalf("ParseStatus(%q) = %q, %v", res.Status, status, err)
	}
}

func TestGetPayment_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayment(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	res, code, _, err := client.GetPayment(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 404, got %+v", res)
	}
	if code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", code, http.StatusNotFound)
	}
}

func TestGetPayment_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, code, _, err := NewClient(ts.URL).GetPayment(context.Background(), "ord-1")
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if code != http.StatusBadGateway {
		t.Fatalf("status code = %d, want %d", code, http.StatusBadGateway)
	}
}

func TestGetPayment_NotConfigured(t *testing.T) {
	var c *Client
	if _, _, _, err := c.GetPayment(context.Background(), "ord-1"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"paid":       StatusPaid,
		" Completed": StatusPaid,
		"FAILED":     StatusFailed,
		"cancelled":  StatusFailed,
		"processing": StatusPending,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		if err != nil {
			t.Fatalf("ParseStatus(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseStatus("refunded"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
