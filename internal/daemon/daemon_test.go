package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/api"
	"github.com/andrelcm/zapkeeper/internal/bus"
	"github.com/andrelcm/zapkeeper/internal/conn"
	"github.com/andrelcm/zapkeeper/internal/creds"
	"github.com/andrelcm/zapkeeper/internal/lifecycle"
	"github.com/andrelcm/zapkeeper/internal/status"
	"github.com/andrelcm/zapkeeper/internal/store"
)

// scriptedFactory yields one scriptable handle per dial.
type scriptedFactory struct {
	mu      sync.Mutex
	handles []*scriptedHandle
}

type scriptedHandle struct {
	events chan conn.Event
	once   sync.Once
}

func (f *scriptedFactory) Dial(_ context.Context, _ conn.AuthState) (conn.Handle, error) {
	h := &scriptedHandle{events: make(chan conn.Event, 16)}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *scriptedFactory) handleAt(i int) *scriptedHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		return nil
	}
	return f.handles[i]
}

func (h *scriptedHandle) Events() <-chan conn.Event { return h.events }
func (h *scriptedHandle) SendText(context.Context, string, string) (string, error) {
	return "srv-1", nil
}
func (h *scriptedHandle) CheckRecipient(context.Context, string) (bool, error) {
	return true, nil
}
func (h *scriptedHandle) Logout(context.Context) error {
	h.events <- conn.Event{Kind: conn.EventClosed, Code: conn.CodeLoggedOut}
	h.Close()
	return nil
}
func (h *scriptedHandle) Close() { h.once.Do(func() { close(h.events) }) }

func getStatus(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// Full wiring over a real record store: pairing surfaces on the status
// endpoint, sends flow once open, logout halts everything.
func TestDaemonIntegration(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	adapter := creds.NewAdapter("test", store.NewRecords(db), logger)
	factory := &scriptedFactory{}
	ctrl := lifecycle.New(factory, adapter, status.NewMachine(b), b, logger,
		lifecycle.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond})
	defer ctrl.Stop()

	srv := httptest.NewServer(api.NewServer(":0", ctrl, logger).Handler())
	defer srv.Close()

	ctrl.Start()
	waitUntil(t, "dial", func() bool { return factory.handleAt(0) != nil })
	h := factory.handleAt(0)

	if body := getStatus(t, srv.URL); body["isReady"] != false {
		t.Errorf("isReady = %v before open, want false", body["isReady"])
	}

	h.events <- conn.Event{Kind: conn.EventPairing, Challenge: "qr-integration"}
	waitUntil(t, "pairing code on status endpoint", func() bool {
		return getStatus(t, srv.URL)["pairingCode"] == "qr-integration"
	})

	h.events <- conn.Event{Kind: conn.EventOpen}
	waitUntil(t, "ready", func() bool {
		return getStatus(t, srv.URL)["isReady"] == true
	})

	resp, err := http.Post(srv.URL+"/api/send", "application/json",
		strings.NewReader(`{"number":"5511999999999","message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("send status = %d, want 202", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/session", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	waitUntil(t, "closed after logout", func() bool {
		return getStatus(t, srv.URL)["isReady"] == false
	})
	// No reconnect after a terminal logout.
	time.Sleep(100 * time.Millisecond)
	if factory.handleAt(1) != nil {
		t.Error("controller redialed after logout")
	}
}
