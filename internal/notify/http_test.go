package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPNotifierSend(t *testing.T) {
	var got pushRequest
	var auth string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	n := NewHTTPNotifier(gateway.URL, "apikey123", WithHTTPClient(gateway.Client()))
	res := n.Send(context.Background(), Push{
		DeviceToken: "tok_1",
		Title:       "Morning stretch",
		Body:        "07:30 routine",
	})
	if !res.OK() {
		t.Fatalf("result=%+v, want ok", res)
	}
	if got.To != "tok_1" || got.Notification.Title != "Morning stretch" || got.Notification.Body != "07:30 routine" {
		t.Fatalf("payload=%+v", got)
	}
	if auth != "key=apikey123" {
		t.Fatalf("authorization=%q", auth)
	}
}

func TestHTTPNotifierSend_GatewayError(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer gateway.Close()

	n := NewHTTPNotifier(gateway.URL, "", WithHTTPClient(gateway.Client()))
	res := n.Send(context.Background(), Push{DeviceToken: "tok_1", Title: "t"})
	if res.OK() {
		t.Fatalf("503 reported as ok")
	}
	if !res.Retryable() {
		t.Fatalf("503 should be retryable")
	}
}

func TestHTTPNotifierSend_EmptyToken(t *testing.T) {
	n := NewHTTPNotifier("http://gateway.invalid", "")
	res := n.Send(context.Background(), Push{Title: "t"})
	if res.Err == nil {
		t.Fatalf("empty token should fail before the network")
	}
}

func TestHTTPNotifierSend_RateLimitCancellation(t *testing.T) {
	// One token per second with the bucket drained by the first send, so the
	// second waits until its context is cancelled.
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	n := NewHTTPNotifier(gateway.URL, "", WithHTTPClient(gateway.Client()), WithRateLimit(1))
	if res := n.Send(context.Background(), Push{DeviceToken: "tok_1", Title: "t"}); !res.OK() {
		t.Fatalf("first send: %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := n.Send(ctx, Push{DeviceToken: "tok_1", Title: "t"}); res.Err == nil {
		t.Fatalf("cancelled send should fail")
	}
}

func TestResultRetryable(t *testing.T) {
	cases := []struct {
		res  Result
		want bool
	}{
		{Result{StatusCode: 200}, false},
		{Result{StatusCode: 404}, false},
		{Result{StatusCode: 408}, true},
		{Result{StatusCode: 429}, true},
		{Result{StatusCode: 500}, true},
		{Result{StatusCode: 503}, true},
		{Result{Err: context.DeadlineExceeded}, true},
	}
	for _, tc := range cases {
		if got := tc.res.Retryable(); got != tc.want {
			t.Errorf("Retryable(%+v)=%v, want %v", tc.res, got, tc.want)
		}
	}
}
