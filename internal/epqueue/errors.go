package epqueue

import "errors"

var (
	// ErrNoReplyURL is returned by UseReplyURL when no URL was ever
	// stored for the given stream.
	ErrNoReplyURL = errors.New("epqueue: no reply url stored for stream")
	// ErrReplyURLConsumed is returned under policy "once" when the
	// stored URL has already been used.
	ErrReplyURLConsumed = errors.New("epqueue: reply url already consumed")
)
