package siamese

import "errors"

var (
	// ErrInvalidInput reports a malformed message or impossible parameter.
	// The call leaves codec state unchanged.
	ErrInvalidInput = errors.New("siamese: invalid input")

	// ErrNeedMoreData reports that there is nothing to emit yet.
	ErrNeedMoreData = errors.New("siamese: need more data")

	// ErrMaxPacketsReached reports that the window holds MaxPackets.
	ErrMaxPacketsReached = errors.New("siamese: max packets reached")

	// ErrDuplicateData reports data the codec has already processed.
	ErrDuplicateData = errors.New("siamese: duplicate data")

	// ErrDisabled reports that the codec entered an invalid state by
	// running out of memory or detecting corruption. Every later call
	// returns it; the codec must be recreated.
	ErrDisabled = errors.New("siamese: codec disabled")
)
