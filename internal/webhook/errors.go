package webhook

import "github.com/cockroachdb/errors"

var (
	// ErrSignature is returned when a delivery is unsigned, signed with the
	// wrong secret, or no secret is configured
	ErrSignature = errors.New("invalid webhook signature")

	// ErrValidation is returned for oversized or malformed deliveries
	ErrValidation = errors.New("invalid webhook payload")

	// ErrReplay is returned when a delivery id was already accepted within
	// the replay window
	ErrReplay = errors.New("webhook delivery replayed")
)
