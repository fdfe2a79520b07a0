package generation

import (
	"errors"

	"github.com/plushify/plushify-api/internal/domain/credit"
)

var (
	ErrNotFound  = errors.New("generation not found")
	ErrForbidden = errors.New("generation belongs to another user")

	// admission
	ErrInvalidImage        = errors.New("file must be an image")
	ErrImageTooLarge       = errors.New("image exceeds the upload limit")
	ErrInsufficientCredits = credit.ErrInsufficientCredits
	ErrConcurrencyLimit    = errors.New("too many generations in progress")

	// state transitions
	ErrNotProcessing       = errors.New("generation is no longer processing")
	ErrNotRetriable        = errors.New("only failed generations can be retried")
	ErrAlreadyCompleted    = errors.New("generation already completed")
	ErrStillProcessing     = errors.New("generation is still processing")
	ErrOriginalUnavailable = errors.New("original image is no longer available, upload it again")

	ErrDispatchFailed = errors.New("could not queue generation")
)
