package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Licensing semantic convention attributes.
var (
	// HTTP surface
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")

	// License decisions
	AttrReason        = attribute.Key("warden.license.reason")
	AttrTier          = attribute.Key("warden.license.tier")
	AttrCustomerID    = attribute.Key("warden.customer.id")
	AttrCertificateID = attribute.Key("warden.certificate.id")
	AttrServiceName   = attribute.Key("warden.service.name")

	// Machine identity. Fingerprints are hashes, safe to export.
	AttrFingerprint = attribute.Key("warden.machine.fingerprint")
)

// HTTPOperation creates attributes for one request through the API surface.
func HTTPOperation(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
	}
}

// LicenseDecision creates attributes for a licensing verdict.
func LicenseDecision(reason, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReason.String(reason),
		AttrTier.String(tier),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records the error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
