// Package webhook runs scheduled workspace updates when the server announces
// a submitted change.
//
// A trigger is a POST with a JSON body signed with HMAC-SHA256 over a shared
// secret. Bursts of triggers are debounced and coalesced: at most one update
// runs at a time and at most one more is queued, always for the newest
// change seen.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/wsyncd/internal/config"
	wsync "github.com/schaermu/wsyncd/internal/sync"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of the body>"
	SignatureHeader = "X-Wsyncd-Signature"
	// EventHeader names the event type
	EventHeader = "X-Wsyncd-Event"
	// EventChangeSubmitted is the only event that triggers an update
	EventChangeSubmitted = "change-submitted"
)

// ChangeEvent is the payload of a change-submitted trigger
type ChangeEvent struct {
	Change      int    `json:"change"`
	Stream      string `json:"stream"`
	User        string `json:"user"`
	Description string `json:"description"`
}

// Updater runs workspace updates for the server
type Updater interface {
	// Run executes one update and returns its result
	Run(ctx context.Context, req *wsync.UpdateRequest) (wsync.Result, string)
	// LatestChange returns the newest submitted change visible to the
	// workspace
	LatestChange(ctx context.Context) (int, error)
}

// RequestFunc builds the update request for a revision
type RequestFunc func(revision int) *wsync.UpdateRequest

// Server implements the trigger HTTP server
type Server struct {
	cfg        *config.Config
	updater    Updater
	newRequest RequestFunc
	logger     *slog.Logger
	secret     []byte

	baseCtx     context.Context
	syncMu      sync.Mutex // guards the fields below
	syncRunning bool       // whether an update is currently in progress
	syncPending bool       // whether another update is needed after the current one
	requested   int        // newest change seen in a trigger
	debounce    *debouncer
}

// debouncer implements debouncing for trigger events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, updater Updater, newRequest RequestFunc, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:        cfg,
		updater:    updater,
		newRequest: newRequest,
		logger:     logger,
		secret:     secret,
		baseCtx:    context.Background(),
		debounce:   &debouncer{delay: cfg.Serve.Debounce},
	}, nil
}

// Start updates the workspace to the newest change, then serves triggers
// until ctx is cancelled. When listeners is empty the server listens on the
// configured address.
func (s *Server) Start(ctx context.Context, listeners []net.Listener) error {
	s.syncMu.Lock()
	s.baseCtx = ctx
	s.syncMu.Unlock()

	s.logger.Info("performing initial update before starting trigger server")
	if latest, err := s.updater.LatestChange(ctx); err != nil {
		s.logger.Error("failed to find latest change", "error", err)
	} else {
		s.performUpdate(ctx, latest)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleTrigger)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, len(listeners)+1)
	serve := func(l net.Listener) {
		var err error
		if l == nil {
			s.logger.Info("trigger server starting", "addr", s.cfg.Serve.ListenAddr)
			err = server.ListenAndServe()
		} else {
			s.logger.Info("trigger server starting on activated socket", "addr", l.Addr().String())
			err = server.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}
	if len(listeners) == 0 {
		go serve(nil)
	}
	for _, l := range listeners {
		go serve(l)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleTrigger handles incoming trigger requests
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get(EventHeader)
	if eventType != EventChangeSubmitted {
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for updates\n")
		return
	}

	var event ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Change <= 0 {
		s.logger.Error("failed to parse trigger payload", "error", err, "change", event.Change)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isStreamAllowed(event.Stream) {
		s.logger.Info("ignoring disallowed stream", "stream", event.Stream)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Stream not configured for updates\n")
		return
	}

	s.logger.Info("trigger accepted",
		"change", event.Change,
		"stream", event.Stream,
		"user", event.User)

	s.syncMu.Lock()
	if event.Change > s.requested {
		s.requested = event.Change
	}
	ctx := s.baseCtx
	s.syncMu.Unlock()

	s.debounce.trigger(func() {
		s.performUpdate(ctx, 0)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Update triggered\n")
}

// verifySignature verifies the HMAC-SHA256 signature of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isStreamAllowed checks if the stream is in the allowed list
func (s *Server) isStreamAllowed(stream string) bool {
	if len(s.cfg.Serve.AllowedStreams) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedStreams {
		if stream == allowed {
			return true
		}
	}
	return false
}

// nextRevision returns the revision to update to: the newest triggered
// change, or revision when it is newer
func (s *Server) nextRevision(revision int) int {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.requested > revision {
		return s.requested
	}
	return revision
}

// performUpdate runs an update with single-flight semantics. If an update
// is already in progress, at most one additional run is queued; it picks up
// the newest change requested while the current one was running.
func (s *Server) performUpdate(ctx context.Context, revision int) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("update already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		rev := s.nextRevision(revision)
		if rev > 0 {
			s.runOnce(ctx, rev)
		}

		// Atomically check whether another update was requested while we
		// were running. If not, release the running slot and stop.
		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running update due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context, revision int) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("performing scheduled update", "revision", revision)

	req := s.newRequest(revision)
	result, status := s.updater.Run(ctx, req)
	switch {
	case result == wsync.Success:
		s.logger.Info("scheduled update completed successfully", "revision", revision)
	case result.NeedsInput():
		// Unattended runs never answer checkpoints
		s.logger.Warn("scheduled update needs input, run wsyncd sync to answer",
			"revision", revision,
			"result", result.String(),
			"status", status,
			"pending_deletes", len(req.Ticket.PendingDeletes()),
			"pending_clobbers", len(req.Ticket.PendingClobbers()))
	default:
		s.logger.Error("scheduled update failed",
			"revision", revision,
			"result", result.String(),
			"status", status)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
