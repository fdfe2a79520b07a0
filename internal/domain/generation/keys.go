package generation

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/pkg/storage"
)

// OriginalKey is the deterministic blob key of the uploaded image.
func OriginalKey(userID, generationID uuid.UUID, mimeType string) string {
	return fmt.Sprintf("plushify/originals/%s/%s.%s", userID, generationID, storage.ExtensionForMime(mimeType))
}

// ResultKey is the deterministic blob key of the generated image.
func ResultKey(userID, generationID uuid.UUID) string {
	return fmt.Sprintf("plushify/generated/%s/%s.png", userID, generationID)
}

// SubmitEventID de-duplicates submissions of the same generation.
func SubmitEventID(generationID uuid.UUID) string {
	return "generate-" + generationID.String()
}

// RetryEventID is unique per retry; the submit id was already consumed.
func RetryEventID(generationID uuid.UUID, at time.Time) string {
	return "retry-" + generationID.String() + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}
