package enforcer

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/license"
)

const errorPageHTML = `
<!DOCTYPE html>
<html>
<head>
	<title>Service Unavailable</title>
	<style>
		body { font-family: monospace; background: #1a1a1a; color: #e0e0e0; padding: 40px; }
		h1 { color: #F44336; }
		.card { background: #2d2d2d; padding: 15px; margin-bottom: 20px; border-radius: 5px; }
		.reason { color: #FF9800; }
	</style>
</head>
<body>
	<h1>Service Unavailable</h1>
	<div class="card">
		<p>{{.Message}}</p>
		<p class="reason">Reason code: {{.Reason}}</p>
	</div>
	<div class="card">
		<p>This deployment was stopped because its license could not be verified.
		Contact your license administrator to restore service.</p>
	</div>
</body>
</html>
`

var errorPageTmpl = template.Must(template.New("errorpage").Parse(errorPageHTML))

type pageData struct {
	Reason  string
	Message string
}

// PageHandler renders the license failure explanation for every path.
func PageHandler(reason license.Reason) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusServiceUnavailable)
		data := pageData{Reason: string(reason), Message: reason.Message()}
		if err := errorPageTmpl.Execute(w, data); err != nil {
			slog.Error("failed to render error page", "error", err)
		}
	})
}

// ErrorPage serves the failure explanation on the address the terminated
// deployment used to answer on, so whoever hits the old endpoint learns
// why it is gone instead of getting a connection refused.
type ErrorPage struct {
	addr   string
	logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewErrorPage prepares a page for the given listen address. Nothing is
// bound until Serve.
func NewErrorPage(addr string, logger *slog.Logger) *ErrorPage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorPage{addr: addr, logger: logger}
}

// Serve binds the address and starts answering with the reason. Calling
// it again while serving is a no-op; the first reason wins.
func (p *ErrorPage) Serve(reason license.Reason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("enforcer: bind error page: %w", err)
	}
	srv := &http.Server{
		Handler:      PageHandler(reason),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	p.ln = ln
	p.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Warn("error page server stopped", "error", err)
		}
	}()
	p.logger.Info("error page serving", "addr", ln.Addr().String(), "reason", string(reason))
	return nil
}

// Addr reports the bound address, empty before Serve. Handy when the
// configured address uses port 0.
func (p *ErrorPage) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Shutdown stops the page server if it is running.
func (p *ErrorPage) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
