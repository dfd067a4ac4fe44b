// Package callback receives the OAuth 2.0 authorization redirect on a
// loopback HTTP server. The server handles exactly one callback and
// then stops accepting results; each login starts a fresh one.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const shutdownTimeout = 2 * time.Second

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>element-admin</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
    text-align: center;
  }
  .card h1 {
    font-size: 1.25rem;
    font-weight: 600;
    margin-bottom: 0.25rem;
  }
  .card p {
    font-size: 0.85rem;
    color: #666;
  }
  .error h1 { color: #991b1b; }
</style>
</head>
<body>
<div class="card{{if .Failed}} error{{end}}">
  <h1>{{.Title}}</h1>
  <p>{{.Detail}}</p>
</div>
</body>
</html>`))

// Result is what the authorization server sent back. Either Code is set
// or ErrorCode (with an optional ErrorDescription) is.
type Result struct {
	State            string
	Code             string
	ErrorCode        string
	ErrorDescription string
}

// Server is a one-shot loopback redirect receiver.
type Server struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	once    sync.Once
	results chan Result
	failed  chan error
}

// Start binds a loopback listener on the given port (0 picks an
// ephemeral one) and begins serving the redirect endpoint.
func Start(port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("binding loopback listener: %w", err)
	}

	s := &Server{
		listener: listener,
		logger:   logger,
		results:  make(chan Result, 1),
		failed:   make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failed <- err
		}
	}()

	return s, nil
}

// RedirectURI returns the redirect URI to register with the
// authorization server, including the bound port.
func (s *Server) RedirectURI() string {
	return fmt.Sprintf("http://%s/callback", s.listener.Addr().String())
}

// Wait blocks until the redirect arrives, the server fails, or the
// context is cancelled.
func (s *Server) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case err := <-s.failed:
		return Result{}, fmt.Errorf("callback server failed: %w", err)
	case res := <-s.results:
		return res, nil
	}
}

// Close shuts the server down, giving in-flight responses a moment to
// finish rendering.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	res := Result{
		State:            query.Get("state"),
		Code:             query.Get("code"),
		ErrorCode:        query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	delivered := false
	s.once.Do(func() {
		s.results <- res
		delivered = true
	})

	// Stray requests after the first delivery get a page but change
	// nothing.
	if !delivered {
		s.logger.Debug("ignoring duplicate authorization callback")
	}

	page := struct {
		Title  string
		Detail string
		Failed bool
	}{
		Title:  "Signed in",
		Detail: "You can close this window and return to the terminal.",
	}

	if res.ErrorCode != "" || res.Code == "" {
		page.Title = "Sign-in failed"
		page.Detail = "The authorization server reported an error. Return to the terminal for details."
		page.Failed = true
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")

	if err := resultPage.Execute(w, page); err != nil {
		s.logger.Error("rendering callback page", slog.Any("error", err))
	}
}
