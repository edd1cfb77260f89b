package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// HTTPNotifier posts notifications to a push gateway over HTTP. Sends are
// rate limited so a large sweep cannot flood the gateway.
type HTTPNotifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

type HTTPOption func(*HTTPNotifier)

// WithHTTPClient overrides the underlying client, mainly for tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(n *HTTPNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRateLimit bounds sends per second. Zero or negative disables limiting.
func WithRateLimit(perSecond int) HTTPOption {
	return func(n *HTTPNotifier) {
		if perSecond > 0 {
			n.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		} else {
			n.limiter = nil
		}
	}
}

func NewHTTPNotifier(endpoint, apiKey string, opts ...HTTPOption) *HTTPNotifier {
	n := &HTTPNotifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(50), 50),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ Notifier = (*HTTPNotifier)(nil)

type pushRequest struct {
	To           string           `json:"to"`
	Notification pushNotification `json:"notification"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

func (n *HTTPNotifier) Send(ctx context.Context, push Push) Result {
	if push.DeviceToken == "" {
		return Result{Err: fmt.Errorf("empty device token")}
	}
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return Result{Err: err}
		}
	}

	body, err := json.Marshal(pushRequest{
		To: push.DeviceToken,
		Notification: pushNotification{
			Title: push.Title,
			Body:  push.Body,
		},
	})
	if err != nil {
		return Result{Err: fmt.Errorf("marshal push: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "key="+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{StatusCode: resp.StatusCode}
}
