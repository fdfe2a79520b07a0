package generation

import (
	"time"

	"github.com/google/uuid"
)

// Status of a generation. completed and failed are terminal.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SubjectType is the coarse classification of the uploaded subject.
type SubjectType string

const (
	SubjectPerson SubjectType = "person"
	SubjectPet    SubjectType = "pet"
	SubjectOther  SubjectType = "other"
)

// CreditsPerGeneration is the price of one completed generation.
const CreditsPerGeneration = 1

// Generation is one user request to transform an image.
// While processing, the URLs fill in as pipeline steps complete.
type Generation struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	UserID           uuid.UUID   `db:"user_id" json:"user_id"`
	OriginalImageURL string      `db:"original_image_url" json:"original_image_url"`
	ResultImageURL   string      `db:"result_image_url" json:"result_image_url"`
	SubjectType      SubjectType `db:"subject_type" json:"subject_type"`
	Status           Status      `db:"status" json:"status"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// IsStale reports a processing record that has not moved for longer
// than threshold. It is a hint for the owner to mark it failed.
func (g *Generation) IsStale(now time.Time, threshold time.Duration) bool {
	return g.Status == StatusProcessing && threshold > 0 && now.Sub(g.UpdatedAt) > threshold
}

// StatusView is the status query response.
type StatusView struct {
	*Generation
	Stale bool `json:"stale"`
}

// Credits is the capacity snapshot: credits already reserved by
// processing generations are not available for new submissions.
type Credits struct {
	Balance         int `json:"credits"`
	ProcessingCount int `json:"processing_count"`
	Available       int `json:"available_credits"`
}

func NewCredits(balance, processing int) Credits {
	return Credits{
		Balance:         balance,
		ProcessingCount: processing,
		Available:       balance - processing,
	}
}

// Limits applied at admission.
type Limits struct {
	MaxProcessing int
}

// FinalizeResult of the billing step.
type FinalizeResult struct {
	Balance int
	// AlreadyCompleted is set when an earlier delivery finalized the record.
	AlreadyCompleted bool
}
