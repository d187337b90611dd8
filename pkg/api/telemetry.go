package api

import (
	"fmt"
	"net/http"

	"github.com/wardenhq/warden/pkg/observability"
)

// Telemetry opens one span per request and feeds the RED instruments.
// Responses of 500 and above count as errors; business refusals do not.
func Telemetry(p *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, finish := p.TrackOperation(r.Context(),
				r.Method+" "+r.URL.Path,
				observability.HTTPOperation(r.Method, r.URL.Path)...,
			)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			observability.SpanFromContext(ctx).SetAttributes(
				observability.AttrHTTPStatus.Int(rec.status),
			)
			var err error
			if rec.status >= http.StatusInternalServerError {
				err = fmt.Errorf("http %d", rec.status)
			}
			finish(err)
		})
	}
}
