package pipeline

import (
	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/pkg/eventbus"
)

// Lifecycle signals consumed by the reconciliation handlers.
const (
	EventPipelineFailed    = "pipeline.failed"
	EventPipelineCancelled = "pipeline.cancelled"

	// FunctionID names the generation pipeline in its lifecycle signals.
	FunctionID = "generate-plushie"
)

// Signal reports that a pipeline run for OriginalEvent ended without
// completing the generation.
type Signal struct {
	Type             string        `json:"type"`
	SourceFunctionID string        `json:"sourceFunctionId"`
	OriginalEvent    OriginalEvent `json:"originalEvent"`
	Error            string        `json:"error,omitempty"`
}

type OriginalEvent struct {
	ID   string     `json:"id,omitempty"`
	Data SignalData `json:"data"`
}

type SignalData struct {
	GenerationID uuid.UUID `json:"generationId"`
	UserID       uuid.UUID `json:"userId,omitempty"`
}

// NewSignalEvent builds the lifecycle event for a run of sourceEventID.
// One signal of each type exists per source event.
func NewSignalEvent(signalType, sourceEventID string, data SignalData, cause error) (eventbus.Event, error) {
	sig := Signal{
		Type:             signalType,
		SourceFunctionID: FunctionID,
		OriginalEvent:    OriginalEvent{ID: sourceEventID, Data: data},
	}
	if cause != nil {
		sig.Error = cause.Error()
	}
	return eventbus.NewEvent(signalType+"-"+sourceEventID, signalType, sig)
}
