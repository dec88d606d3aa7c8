package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"studysync/internal/clock"
	"studysync/internal/engine"
	"studysync/internal/eventbus"
	"studysync/internal/notifier"
	"studysync/internal/registry"
	"studysync/internal/schedule"
	"studysync/internal/storage"
	"studysync/pkg/logx"
)

type nopNotifier struct{}

func (nopNotifier) Send(ctx context.Context, recipient, body string) error { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) // Monday
	eng := engine.New(engine.Config{DefaultTimezone: "UTC"}, schedule.NewStore(), clk,
		nopNotifier{}, notifier.ClassReminder, eventbus.New(), logx.Nop())
	reg := registry.New(db, eng, logx.Nop())
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, eng, reg, nil, logx.Nop())
	return srv.Router(), eng
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createFixtures(t *testing.T, r *gin.Engine) (classID string) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/parents", gin.H{
		"phone": "+15550001111", "name": "Ana", "children": []string{"Mia"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create parent: %d %s", w.Code, w.Body)
	}
	w = doJSON(t, r, http.MethodPost, "/classes", gin.H{
		"parent_phone": "+15550001111", "child_name": "Mia", "subject": "Math",
		"day": "Monday", "time": "16:00", "lead_minutes": 30,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create class: %d %s", w.Code, w.Body)
	}
	var entry schedule.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode class: %v", err)
	}
	return entry.ID
}

func TestCreateClassPlansFire(t *testing.T) {
	t.Parallel()
	r, eng := newTestRouter(t)
	id := createFixtures(t, r)

	e, err := eng.Store().Get(id)
	if err != nil {
		t.Fatalf("entry missing: %v", err)
	}
	want := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", e.NextFireAt, want)
	}
}

func TestCreateParentConflictAndLookup(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	createFixtures(t, r)

	w := doJSON(t, r, http.MethodPost, "/parents", gin.H{"phone": "+15550001111", "name": "Ana"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate parent: %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/parents/+15550001111", nil); w.Code != http.StatusOK {
		t.Fatalf("get parent: %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/parents/+19990000000", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing parent: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/parents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list parents: %d", w.Code)
	}
	var parents []json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &parents); err != nil || len(parents) != 1 {
		t.Fatalf("parents list = %s (err %v)", w.Body, err)
	}
}

func TestCreateClassValidation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	createFixtures(t, r)

	tests := []struct {
		name string
		body gin.H
	}{
		{"bad day", gin.H{"parent_phone": "+15550001111", "child_name": "Mia", "subject": "Math", "day": "Funday", "time": "16:00", "lead_minutes": 30}},
		{"bad time", gin.H{"parent_phone": "+15550001111", "child_name": "Mia", "subject": "Math", "day": "Monday", "time": "25:99", "lead_minutes": 30}},
		{"lead too small", gin.H{"parent_phone": "+15550001111", "child_name": "Mia", "subject": "Math", "day": "Monday", "time": "16:00", "lead_minutes": 3}},
		{"missing subject", gin.H{"parent_phone": "+15550001111", "child_name": "Mia", "day": "Monday", "time": "16:00", "lead_minutes": 30}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if w := doJSON(t, r, http.MethodPost, "/classes", tc.body); w.Code != http.StatusBadRequest {
				t.Fatalf("got %d, want 400", w.Code)
			}
		})
	}

	w := doJSON(t, r, http.MethodPost, "/classes", gin.H{
		"parent_phone": "+19990000000", "child_name": "Mia", "subject": "Math",
		"day": "Monday", "time": "16:00", "lead_minutes": 30,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown parent: %d", w.Code)
	}
}

func TestUpdateClassReplans(t *testing.T) {
	t.Parallel()
	r, eng := newTestRouter(t)
	id := createFixtures(t, r)

	w := doJSON(t, r, http.MethodPut, "/classes/"+id, gin.H{"lead_minutes": 60})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body)
	}
	e, _ := eng.Store().Get(id)
	want := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) || e.Version != 2 {
		t.Fatalf("entry after update = %+v", e)
	}

	if w := doJSON(t, r, http.MethodPut, "/classes/unknown", gin.H{"lead_minutes": 60}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown class update: %d", w.Code)
	}
}

func TestDeactivateActivateRoundTrip(t *testing.T) {
	t.Parallel()
	r, eng := newTestRouter(t)
	id := createFixtures(t, r)

	if w := doJSON(t, r, http.MethodPost, "/classes/"+id+"/deactivate", nil); w.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", w.Code)
	}
	e, _ := eng.Store().Get(id)
	if e.Active || !e.NextFireAt.IsZero() {
		t.Fatalf("entry still scheduled: %+v", e)
	}

	if w := doJSON(t, r, http.MethodPost, "/classes/"+id+"/activate", nil); w.Code != http.StatusOK {
		t.Fatalf("activate: %d", w.Code)
	}
	e, _ = eng.Store().Get(id)
	if !e.Active || e.NextFireAt.IsZero() {
		t.Fatalf("entry not rescheduled: %+v", e)
	}
}

func TestManualSend(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	id := createFixtures(t, r)

	w := doJSON(t, r, http.MethodPost, "/reminders/send/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("manual send: %d %s", w.Code, w.Body)
	}
	if w := doJSON(t, r, http.MethodPost, "/reminders/send/unknown", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown class send: %d", w.Code)
	}
}

func TestManualSendInactiveIsNoOp(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	id := createFixtures(t, r)

	if w := doJSON(t, r, http.MethodPost, "/classes/"+id+"/deactivate", nil); w.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/reminders/send/"+id, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("inactive send: %d %s", w.Code, w.Body)
	}
}

func TestWebhookCommands(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	createFixtures(t, r)

	w := doJSON(t, r, http.MethodPost, "/webhook/inbound", gin.H{"from": "+15550001111", "body": "classes"})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", w.Code, w.Body)
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.Contains(resp.Reply, "Math") {
		t.Fatalf("reply = %q", resp.Reply)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)
	createFixtures(t, r)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health body = %s", w.Body)
	}
}
