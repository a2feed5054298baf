// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across instrumented components.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	ProcedurePathKey = "rpc.procedure"
	ProcedureKindKey = "rpc.kind"

	SnapshotRouteKey   = "snapshot.route"
	SnapshotQueriesKey = "snapshot.queries"
	SnapshotBytesKey   = "snapshot.bytes"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// ProcedureAttributes creates span attributes for an RPC dispatch.
func ProcedureAttributes(path, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProcedurePathKey, path),
		attribute.String(ProcedureKindKey, kind),
	}
}

// SnapshotAttributes creates span attributes for a snapshot render.
func SnapshotAttributes(route string, queries, bytes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SnapshotRouteKey, route),
		attribute.Int(SnapshotQueriesKey, queries),
		attribute.Int(SnapshotBytesKey, bytes),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
