package generation

import "github.com/google/uuid"

// Event types published by intake and operators.
const (
	EventGenerateRequested = "generate.requested"
	EventGenerateCancel    = "generate.cancel"
)

// GenerateRequested is the job payload. ImageData travels base64 encoded.
type GenerateRequested struct {
	GenerationID  uuid.UUID `json:"generationId"`
	UserID        uuid.UUID `json:"userId"`
	ImageData     []byte    `json:"imageDataBase64"`
	ImageMimeType string    `json:"imageMimeType"`
}

// GenerateCancel asks the worker running a generation to stop it.
type GenerateCancel struct {
	GenerationID uuid.UUID `json:"generationId"`
	Reason       string    `json:"reason,omitempty"`
}
