package cad

import (
	"encoding/json"
	"fmt"
)

// SSE event type constants for build progress streaming
const (
	SSEEventBuildQueued    = "build_queued"    // Compile request accepted
	SSEEventBuildCompiling = "build_compiling" // Worker is running the source
	SSEEventBuildRepairing = "build_repairing" // Auto-repair cycle in progress
	SSEEventBuildSucceeded = "build_succeeded" // Artifact attached to the turn
	SSEEventBuildFailed    = "build_failed"    // Terminal failure on the turn
)

// BuildQueuedEvent signals that a compile request was accepted for a turn
type BuildQueuedEvent struct {
	TurnID string `json:"turn_id"`
	Seq    uint64 `json:"seq"` // request sequence number
}

// BuildCompilingEvent signals that the worker started on the source
type BuildCompilingEvent struct {
	TurnID  string `json:"turn_id"`
	Attempt int    `json:"attempt"` // 0 for the original compile
}

// BuildRepairingEvent signals that a repair cycle is underway
type BuildRepairingEvent struct {
	TurnID  string `json:"turn_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"` // the compiler error being repaired
}

// BuildSucceededEvent signals a finished artifact
type BuildSucceededEvent struct {
	TurnID        string `json:"turn_id"`
	BinaryRef     string `json:"binary_ref"`
	Format        string `json:"format"`
	TriangleCount uint32 `json:"triangle_count,omitempty"`
}

// BuildFailedEvent signals a terminal failure
type BuildFailedEvent struct {
	TurnID   string `json:"turn_id"`
	Kind     string `json:"kind"` // compile_failure, decode_error, timeout, ...
	Error    string `json:"error"`
	CanRetry bool   `json:"can_retry"`
}

// FormatSSE formats an event for transmission:
//
//	event: event_name
//	data: {"field": "value"}
func FormatSSE(eventType string, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SSE event data: %w", err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)), nil
}
