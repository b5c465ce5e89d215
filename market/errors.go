package market

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedObject marks objects with absent or out-of-range fields.
	// Such objects are dropped before touching any registry.
	ErrMalformedObject = errors.New("market: malformed object")
	// ErrInvalidSignature marks objects whose signature does not verify
	// under the embedded role key, or whose id does not match the content.
	ErrInvalidSignature = errors.New("market: invalid signature")
	// ErrListingNotFound is returned when a buy request references an
	// unknown listing.
	ErrListingNotFound = errors.New("market: listing not found")
	// ErrListingNotAvailable enforces the no-double-sale invariant: the
	// listing already has a buy request in status Requested.
	ErrListingNotAvailable = errors.New("market: listing not available")
	// ErrAlreadyResolved is returned on any second resolution attempt for
	// the same buy request.
	ErrAlreadyResolved = errors.New("market: buy request already resolved")
	// ErrRequestNotFound is returned when resolving an unknown buy request.
	ErrRequestNotFound = errors.New("market: buy request not found")
)

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", ErrMalformedObject, detail)
}

func errNil(what string) error {
	return fmt.Errorf("%w: nil %s", ErrMalformedObject, what)
}
