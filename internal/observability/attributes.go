// Package observability provides logging and metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod = "method"
	attrPath   = "path"
	attrStatus = "status"
	attrQueue  = "queue"
	attrState  = "state"
	attrType   = "type"
	attrReason = "reason"
	attrResult = "result"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func typeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrType, eventType)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func resultAttr(failed bool) attribute.KeyValue {
	if failed {
		return attribute.String(attrResult, "error")
	}
	return attribute.String(attrResult, "ok")
}

// normalizePath replaces job ids with a placeholder to bound cardinality.
//
//	/v1/jobs/42      -> /v1/jobs/{jobId}
//	/v1/jobs/42/stop -> /v1/jobs/{jobId}/stop
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + action
	}
	return prefix + "{jobId}"
}
