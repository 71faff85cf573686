// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrSuccess   = "success"
	attrProcess   = "process"
	attrJobStatus = "job_status"
	attrFrom      = "from"
	attrTo        = "to"
	attrBackend   = "backend"
	attrOp        = "op"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /processes/echo-1.0/jobs/abc -> /processes/{procId}/jobs/{jobId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func processAttr(id string) attribute.KeyValue {
	return attribute.String(attrProcess, id)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func fromAttr(status string) attribute.KeyValue {
	return attribute.String(attrFrom, status)
}

func toAttr(status string) attribute.KeyValue {
	return attribute.String(attrTo, status)
}

func backendAttr(name string) attribute.KeyValue {
	return attribute.String(attrBackend, name)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] != "processes" {
		return path
	}
	segments[1] = "{procId}"
	if len(segments) >= 4 && segments[2] == "jobs" {
		segments[3] = "{jobId}"
	}
	return "/" + strings.Join(segments, "/")
}
