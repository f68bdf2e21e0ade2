package authenticator

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:embed templates/*.html
var templatesFS embed.FS

// ceremony is one pending passkey prompt. The outcome channel is buffered so
// the HTTP handler never blocks on delivery; it is consumed exactly once by
// the Assert call that opened the ceremony.
type ceremony struct {
	id      string
	payload []byte
	outcome chan outcome
}

type outcome struct {
	assertion string
	err       error
}

// Browser performs the passkey ceremony through a local HTTP server: Assert
// registers a ceremony, the user opens the ceremony page, the page runs
// navigator.credentials.get on the challenge payload and posts the signed
// assertion back.
type Browser struct {
	listen  string
	timeout time.Duration

	httpServer *http.Server
	templates  *template.Template

	mu         sync.Mutex
	ceremonies map[string]*ceremony
}

// NewBrowser creates the browser authenticator server. Start must be called
// before Assert is useful.
func NewBrowser(listen string, ceremonyTimeout time.Duration) (*Browser, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse ceremony templates: %w", err)
	}

	b := &Browser{
		listen:     listen,
		timeout:    ceremonyTimeout,
		templates:  templates,
		ceremonies: make(map[string]*ceremony),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ceremony/", b.handleCeremony)
	mux.HandleFunc("/health", b.handleHealth)

	handler := loggingMiddleware(mux)
	handler = recoveryMiddleware(handler)
	handler = rateLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	b.httpServer = &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return b, nil
}

// Start starts the ceremony server. It blocks on ListenAndServe.
func (b *Browser) Start() error {
	slog.Info("starting ceremony server", "addr", b.listen)
	return b.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the ceremony server.
func (b *Browser) Shutdown(ctx context.Context) error {
	slog.Info("shutting down ceremony server")
	return b.httpServer.Shutdown(ctx)
}

// CeremonyURL returns the page URL for a ceremony ID.
func (b *Browser) CeremonyURL(id string) string {
	return fmt.Sprintf("http://%s/ceremony/%s", b.listen, id)
}

// Assert implements Authenticator. It registers a ceremony for the challenge
// payload, announces the page URL, and suspends until the browser delivers
// an assertion, the user declines, or the ceremony times out.
func (b *Browser) Assert(ctx context.Context, payload []byte) (string, error) {
	c := &ceremony{
		id:      uuid.NewString(),
		payload: payload,
		outcome: make(chan outcome, 1),
	}

	b.mu.Lock()
	b.ceremonies[c.id] = c
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.ceremonies, c.id)
		b.mu.Unlock()
	}()

	slog.Info("passkey ceremony waiting for browser",
		"ceremony_id", c.id,
		"url", b.CeremonyURL(c.id),
	)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case out := <-c.outcome:
		if out.err != nil {
			return "", out.err
		}
		return out.assertion, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: ceremony timed out", ErrDeclined)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// lookup returns the pending ceremony for id, if any.
func (b *Browser) lookup(id string) (*ceremony, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.ceremonies[id]
	return c, ok
}

// handleCeremony routes /ceremony/{id} (GET page) and
// /ceremony/{id}/assertion (POST result).
func (b *Browser) handleCeremony(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ceremony/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if id, found := strings.CutSuffix(rest, "/assertion"); found {
		b.handleAssertion(w, r, id)
		return
	}

	b.handlePage(w, r, rest)
}

// handlePage renders the ceremony page with the challenge payload embedded.
func (b *Browser) handlePage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := b.lookup(id)
	if !ok {
		slog.Warn("ceremony not found", "ceremony_id", sanitizeLog(id))
		b.renderError(w, "Ceremony not found or expired. Please start the login again.")
		return
	}

	data := map[string]interface{}{
		"ID": c.id,
		// The payload is a JSON credential request; template.JS keeps it
		// from being HTML-escaped inside the script block.
		"Payload": template.JS(c.payload),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := b.templates.ExecuteTemplate(w, "ceremony.html", data); err != nil {
		slog.Error("failed to render ceremony template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// assertionRequest is the body posted back by the ceremony page.
type assertionRequest struct {
	Assertion string `json:"assertion"`
	Declined  bool   `json:"declined"`
	Error     string `json:"error,omitempty"`
}

// handleAssertion receives the ceremony outcome from the browser and hands
// it to the waiting Assert call.
func (b *Browser) handleAssertion(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := b.lookup(id)
	if !ok {
		slog.Warn("assertion for unknown ceremony", "ceremony_id", sanitizeLog(id))
		http.Error(w, "Ceremony not found", http.StatusNotFound)
		return
	}

	var req assertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("failed to decode assertion request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var out outcome
	switch {
	case req.Declined:
		out.err = fmt.Errorf("%w: %s", ErrDeclined, firstNonEmpty(req.Error, "canceled in browser"))
	case req.Assertion == "":
		out.err = fmt.Errorf("%w: empty assertion", ErrDeclined)
	default:
		out.assertion = req.Assertion
	}

	select {
	case c.outcome <- out:
	default:
		// Outcome already delivered; a second post is ignored.
		slog.Warn("duplicate ceremony outcome ignored", "ceremony_id", c.id)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to encode assertion response", "error", err)
	}
}

// handleHealth handles health check requests.
func (b *Browser) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// renderError renders the error page.
func (b *Browser) renderError(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	if err := b.templates.ExecuteTemplate(w, "error.html", map[string]string{"Error": errMsg}); err != nil {
		slog.Error("failed to render error template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Authenticator = (*Browser)(nil)
