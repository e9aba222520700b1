package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/wsyncd/internal/config"
	wsync "github.com/schaermu/wsyncd/internal/sync"
)

// mockUpdater records the revisions it was asked to update to
type mockUpdater struct {
	mu        sync.Mutex
	latest    int
	latestErr error
	result    wsync.Result
	revisions []int

	// started and proceed, when set, block Run until proceed is closed
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *mockUpdater) Run(_ context.Context, req *wsync.UpdateRequest) (wsync.Result, string) {
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
		<-m.proceed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions = append(m.revisions, req.Revision)
	return m.result, m.result.String()
}

func (m *mockUpdater) LatestChange(_ context.Context) (int, error) {
	return m.latest, m.latestErr
}

func (m *mockUpdater) runs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.revisions...)
}

func newRequest(revision int) *wsync.UpdateRequest {
	return wsync.NewRequest(revision, wsync.Sync|wsync.Build|wsync.ScheduledBuild)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "trigger_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Root: tmpDir, ClientRoot: "//ws"},
		Perforce:  config.PerforceConfig{Client: "ws"},
		Paths:     config.PathsConfig{StateDir: filepath.Join(tmpDir, "state")},
		Serve: config.ServeConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1:0",
			SecretFile:     secretPath,
			Debounce:       20 * time.Millisecond,
			AllowedStreams: []string{"//ue/main"},
		},
	}

	return cfg, secret
}

func newTestServer(t *testing.T, updater *mockUpdater) (*Server, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	server, err := NewServer(cfg, updater, newRequest, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func triggerRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, EventChangeSubmitted)
	req.Header.Set(SignatureHeader, computeSignature(body, secret))
	return req
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t, &mockUpdater{})
	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.SecretFile = "/nonexistent/secret"

	if _, err := NewServer(cfg, &mockUpdater{}, newRequest, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecret(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.SecretFile, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewServer(cfg, &mockUpdater{}, newRequest, testLogger()); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestStart_PerformsInitialUpdate(t *testing.T) {
	updater := &mockUpdater{latest: 120, result: wsync.Success}
	server, _ := newTestServer(t, updater)

	// Cancel the context immediately so Start returns after the initial update
	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan []int, 1)
	go func() {
		_ = server.Start(ctx, nil)
		runs <- updater.runs()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(updater.runs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	got := <-runs
	if len(got) != 1 || got[0] != 120 {
		t.Errorf("expected initial update to 120, got %v", got)
	}
}

func TestVerifySignature(t *testing.T) {
	server, secret := newTestServer(t, &mockUpdater{})
	body := []byte(`{"change":105}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      body,
			signature: computeSignature(body, secret),
			want:      true,
		},
		{
			name:      "invalid signature",
			body:      body,
			signature: "sha256=invalid",
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			body:      body,
			signature: "notsha256",
			want:      false,
		},
		{
			name:      "empty signature",
			body:      body,
			signature: "",
			want:      false,
		},
		{
			name:      "wrong body",
			body:      []byte(`{"change":106}`),
			signature: computeSignature(body, secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := server.verifySignature(tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStreamAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		stream  string
		want    bool
	}{
		{
			name:    "allowed stream",
			allowed: []string{"//ue/main", "//ue/dev"},
			stream:  "//ue/main",
			want:    true,
		},
		{
			name:    "disallowed stream",
			allowed: []string{"//ue/main"},
			stream:  "//ue/release",
			want:    false,
		},
		{
			name:    "no filter (allow all)",
			allowed: []string{},
			stream:  "//anything",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t, &mockUpdater{})
			server.cfg.Serve.AllowedStreams = tt.allowed

			if got := server.isStreamAllowed(tt.stream); got != tt.want {
				t.Errorf("isStreamAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleTrigger_ValidRequest(t *testing.T) {
	updater := &mockUpdater{result: wsync.Success}
	server, secret := newTestServer(t, updater)

	body := []byte(`{"change":105,"stream":"//ue/main","user":"me"}`)
	rec := httptest.NewRecorder()
	server.handleTrigger(rec, triggerRequest(body, secret))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(updater.runs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := updater.runs(); len(got) != 1 || got[0] != 105 {
		t.Errorf("expected one update to 105, got %v", got)
	}
}

func TestHandleTrigger_CoalescesToNewestChange(t *testing.T) {
	updater := &mockUpdater{result: wsync.Success}
	server, secret := newTestServer(t, updater)

	for _, body := range []string{
		`{"change":107,"stream":"//ue/main"}`,
		`{"change":105,"stream":"//ue/main"}`,
		`{"change":106,"stream":"//ue/main"}`,
	} {
		rec := httptest.NewRecorder()
		server.handleTrigger(rec, triggerRequest([]byte(body), secret))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", rec.Code)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(updater.runs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := updater.runs(); len(got) != 1 || got[0] != 107 {
		t.Errorf("expected a single update to 107, got %v", got)
	}
}

func TestHandleTrigger_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		ctype    string
		event    string
		body     string
		badSig   bool
		wantCode int
		wantBody string
	}{
		{name: "invalid method", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
		{name: "invalid content type", ctype: "text/plain", body: "{}", wantCode: http.StatusBadRequest},
		{name: "invalid signature", body: `{"change":105}`, badSig: true, wantCode: http.StatusForbidden},
		{name: "other event", event: "shelve", body: `{"change":105}`, wantCode: http.StatusOK, wantBody: "Event type not configured"},
		{name: "disallowed stream", body: `{"change":105,"stream":"//ue/release"}`, wantCode: http.StatusOK, wantBody: "Stream not configured"},
		{name: "missing change", body: `{"stream":"//ue/main"}`, wantCode: http.StatusBadRequest},
		{name: "malformed payload", body: `{"change":`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updater := &mockUpdater{}
			server, secret := newTestServer(t, updater)

			method := tt.method
			if method == "" {
				method = http.MethodPost
			}
			req := httptest.NewRequest(method, "/", bytes.NewReader([]byte(tt.body)))
			ctype := tt.ctype
			if ctype == "" {
				ctype = "application/json"
			}
			req.Header.Set("Content-Type", ctype)
			event := tt.event
			if event == "" {
				event = EventChangeSubmitted
			}
			req.Header.Set(EventHeader, event)
			if tt.badSig {
				req.Header.Set(SignatureHeader, "sha256=invalid")
			} else {
				req.Header.Set(SignatureHeader, computeSignature([]byte(tt.body), secret))
			}

			rec := httptest.NewRecorder()
			server.handleTrigger(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && !bytes.Contains(rec.Body.Bytes(), []byte(tt.wantBody)) {
				t.Errorf("expected %q in body, got: %s", tt.wantBody, rec.Body.String())
			}

			time.Sleep(40 * time.Millisecond)
			if got := updater.runs(); len(got) != 0 {
				t.Errorf("rejected trigger ran updates %v", got)
			}
		})
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

// TestPerformUpdate_SingleFlight verifies that concurrent performUpdate calls
// use single-flight semantics and that the queued re-run picks up the newest
// requested change.
func TestPerformUpdate_SingleFlight(t *testing.T) {
	updater := &mockUpdater{
		result:  wsync.FilesToDelete,
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, _ := newTestServer(t, updater)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performUpdate(ctx, 100)
	}()

	<-updater.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(rev int) {
			defer wg.Done()
			server.syncMu.Lock()
			if rev > server.requested {
				server.requested = rev
			}
			server.syncMu.Unlock()
			server.performUpdate(ctx, 0)
		}(101 + i)
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()
	if !pending {
		t.Error("expected syncPending to be true after concurrent performUpdate calls")
	}

	close(updater.proceed)
	<-done

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning {
		t.Error("expected syncRunning to be false after all updates completed")
	}
	if stillPending {
		t.Error("expected syncPending to be false after pending re-run was serviced")
	}
	if got := updater.runs(); len(got) != 2 || got[1] != 103 {
		t.Errorf("expected initial run and one re-run to 103, got %v", got)
	}
}
