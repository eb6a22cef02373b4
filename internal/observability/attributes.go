// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrRoute      = "route"
	attrStatus     = "status"
	attrSuccess    = "success"
	attrKind       = "kind"
	attrPipeline   = "pipeline"
	attrVariant    = "variant"
	attrReason     = "reason"
	attrTerminated = "terminated"
	attrOperation  = "operation"
	attrOutcome    = "outcome"
	attrState      = "state"
)

// unmatchedRoute labels requests no route matched, so that arbitrary paths
// cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = unmatchedRoute
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}
