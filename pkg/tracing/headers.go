// Package tracing propagates correlation and vendor tracing headers
// across journey hops so the observability platform can stitch the chain.
package tracing

import (
	"net/http"
	"strings"
)

// HeaderCorrelationID carries the journey correlation id on every hop.
const HeaderCorrelationID = "x-correlation-id"

// knownHeaders are propagated verbatim on every outbound hop.
var knownHeaders = []string{
	HeaderCorrelationID,
	"traceparent",
	"tracestate",
	"x-dynatrace",
	"x-session-id",
	"x-customer-id",
}

// echoPrefixes: any unknown header starting with one of these is echoed
// forward unchanged so vendor tracing survives intermediate hops.
var echoPrefixes = []string{"x-dtc-", "x-dynatrace-"}

// Propagate copies tracing headers from an inbound request onto an
// outbound one.
func Propagate(dst *http.Request, src http.Header) {
	for _, name := range knownHeaders {
		if v := src.Get(name); v != "" {
			dst.Header.Set(name, v)
		}
	}
	for name, values := range src {
		lower := strings.ToLower(name)
		for _, prefix := range echoPrefixes {
			if strings.HasPrefix(lower, prefix) {
				for _, v := range values {
					dst.Header.Add(name, v)
				}
				break
			}
		}
	}
}

// Set stamps the standard tracing headers for a new journey hop.
func Set(h http.Header, correlationID, traceParent, sessionID, customerID string) {
	h.Set(HeaderCorrelationID, correlationID)
	if traceParent != "" {
		h.Set("traceparent", traceParent)
	}
	if sessionID != "" {
		h.Set("x-session-id", sessionID)
	}
	if customerID != "" {
		h.Set("x-customer-id", customerID)
	}
}
