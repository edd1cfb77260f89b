package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/schedule"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

type stubEngine struct {
	created []string
	updated []string
	deleted []string
	adhoc   []store.Message
	swept   int

	triggerErr error
}

func (s *stubEngine) OnRoutineCreated(ctx context.Context, id string) error {
	s.created = append(s.created, id)
	return s.triggerErr
}

func (s *stubEngine) OnRoutineUpdated(ctx context.Context, id string) error {
	s.updated = append(s.updated, id)
	return s.triggerErr
}

func (s *stubEngine) OnRoutineDeleted(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return s.triggerErr
}

func (s *stubEngine) EnqueueAdhoc(ctx context.Context, msg store.Message) error {
	s.adhoc = append(s.adhoc, msg)
	return nil
}

func (s *stubEngine) RunDailySweep(ctx context.Context) {
	s.swept++
}

func (s *stubEngine) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{
		Queues: map[store.Queue]store.QueueStats{
			store.QueueDelay: {Depth: 2, EarliestDue: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)},
			store.QueueRetry: {Depth: 1},
		},
		IndexedRoutines: 2,
	}, nil
}

func TestRoutineTriggers(t *testing.T) {
	eng := &stubEngine{}
	srv := NewServer(eng)

	cases := []struct {
		path string
		want *[]string
	}{
		{"/v1/routines/rt_1/created", &eng.created},
		{"/v1/routines/rt_1/updated", &eng.updated},
		{"/v1/routines/rt_1/deleted", &eng.deleted},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d, want 200", tc.path, rec.Code)
		}
		if len(*tc.want) != 1 || (*tc.want)[0] != "rt_1" {
			t.Fatalf("%s recorded=%v, want [rt_1]", tc.path, *tc.want)
		}
	}
}

func TestRoutineTrigger_UnknownEventIs404(t *testing.T) {
	srv := NewServer(&stubEngine{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/routines/rt_1/archived", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestRoutineTrigger_MapsRoutineNotFound(t *testing.T) {
	eng := &stubEngine{triggerErr: schedule.ErrRoutineNotFound}
	srv := NewServer(eng)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/routines/rt_missing/created", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Code != codeRoutineNotFound {
		t.Fatalf("code=%q, want %q", resp.Code, codeRoutineNotFound)
	}
}

func TestRoutineTrigger_RequiresPost(t *testing.T) {
	srv := NewServer(&stubEngine{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/routines/rt_1/created", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}
}

func TestAdhocMessage(t *testing.T) {
	eng := &stubEngine{}
	srv := NewServer(eng)

	body := `{
		"recipient_id": "user_1",
		"recipient_name": "Jae",
		"device_token": "tok_1",
		"body": "Your weekly summary is ready",
		"scheduled_at": "2026-08-31T09:00:00Z"
	}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(eng.adhoc) != 1 {
		t.Fatalf("adhoc messages=%d, want 1", len(eng.adhoc))
	}
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if !eng.adhoc[0].ScheduledAt.Equal(want) {
		t.Fatalf("scheduled at %v, want %v", eng.adhoc[0].ScheduledAt, want)
	}
}

func TestAdhocMessage_InvalidTimestamp(t *testing.T) {
	srv := NewServer(&stubEngine{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"recipient_id":"u","device_token":"t","scheduled_at":"tomorrow"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestStats(t *testing.T) {
	srv := NewServer(&stubEngine{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Queues["delay"].Depth != 2 {
		t.Fatalf("delay depth=%d, want 2", resp.Queues["delay"].Depth)
	}
	if resp.Queues["delay"].EarliestDue != "2026-08-31T09:00:00Z" {
		t.Fatalf("earliest due=%q", resp.Queues["delay"].EarliestDue)
	}
	if resp.Queues["retry"].EarliestDue != "" {
		t.Fatalf("retry earliest due=%q, want empty", resp.Queues["retry"].EarliestDue)
	}
}

func TestSweep(t *testing.T) {
	eng := &stubEngine{}
	srv := NewServer(eng)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sweep", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	if eng.swept != 1 {
		t.Fatalf("swept=%d, want 1", eng.swept)
	}
}

func TestAuthorization(t *testing.T) {
	eng := &stubEngine{}
	srv := NewServer(eng)
	srv.Authorize = BearerTokenAuthorizer([][]byte{[]byte("secret")})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token=%d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token=%d, want 200", rec.Code)
	}

	// Health never needs credentials.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d, want 200", rec.Code)
	}
}

func TestBasicAuthAuthorizer(t *testing.T) {
	auth := BasicAuthAuthorizer("ops", "pw")

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.SetBasicAuth("ops", "pw")
	if !auth(req) {
		t.Fatalf("valid basic credentials rejected")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.SetBasicAuth("ops", "wrong")
	if auth(req) {
		t.Fatalf("invalid basic credentials accepted")
	}
}
