package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeSyncTicker fires once per Tick() call rather than on a wall-clock
// cadence, letting the worker test drive exactly one poll deterministically.
type fakeSyncTicker struct {
	ch chan time.Time
}

func (f *fakeSyncTicker) C() <-chan time.Time { return f.ch }
func (f *fakeSyncTicker) Stop()               {}
func (f *fakeSyncTicker) Tick()               { f.ch <- time.Now() }

func TestWorker_RunOnce_PollsPackagesAndKB(t *testing.T) {
	mux := http.NewServeMux()
	var packagesPolled, kbPolled bool
	mux.HandleFunc("/packages", func(w http.ResponseWriter, r *http.Request) {
		packagesPolled = true
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("/kb_manifest", func(w http.ResponseWriter, r *http.Request) {
		kbPolled = true
		json.NewEncoder(w).Encode(map[string]string{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newFakeRepository()
	cfg := Config{
		ClientConfig: ClientConfig{
			APIBase:            server.URL,
			PackagesEndpoint:   "/packages",
			KBManifestEndpoint: "/kb_manifest",
		},
		ModelStoragePath: t.TempDir(),
	}
	w, err := New(store, "device-1", cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ticker := &fakeSyncTicker{ch: make(chan time.Time, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	w.startWithTicker(ctx, func(time.Duration) syncTicker { return ticker })

	ticker.Tick()
	time.Sleep(100 * time.Millisecond)

	cancel()
	w.Stop()

	if !packagesPolled || !kbPolled {
		t.Errorf("expected both endpoints polled, packages=%v kb=%v", packagesPolled, kbPolled)
	}
}
