package market

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ListingLifetime is the advertised validity window of a listing. It is
// presentation metadata: expiry is derived from CreatedAt, never stored.
const ListingLifetime = 7 * 24 * time.Hour

// Store is the authoritative in-memory view of listings and their buy state.
// A single mutex guards every map so that listing insertion/removal, buy
// request submission/resolution and cross-registry reads (availability)
// observe one consistent snapshot. Inbound gossip from concurrent peer
// connections serialises through the same lock, which is what makes the
// no-double-sale invariant hold globally rather than per connection.
//
// All indices are views over the same canonical object set and are rebuilt
// together; stored objects are cloned on the way in and out.
type Store struct {
	mu         sync.Mutex
	listings   map[[32]byte]*Listing
	requests   map[[32]byte]*BuyRequest
	byCategory map[string]map[[32]byte]struct{}
	// active maps a listing id to its single non-terminal buy request.
	active map[[32]byte][32]byte
	// removed holds tombstones for withdrawn or sold listings so that
	// later gossip of the same id is ignored.
	removed map[[32]byte]struct{}
}

// NewStore constructs an empty store. Multiple independent instances may
// coexist; each owns its lock and lifecycle.
func NewStore() *Store {
	return &Store{
		listings:   make(map[[32]byte]*Listing),
		requests:   make(map[[32]byte]*BuyRequest),
		byCategory: make(map[string]map[[32]byte]struct{}),
		active:     make(map[[32]byte][32]byte),
		removed:    make(map[[32]byte]struct{}),
	}
}

// InsertListing verifies and stores a listing. Replaying an identical,
// already-known id is a no-op; ids tombstoned by removal stay ignored.
func (s *Store) InsertListing(l *Listing) error {
	if err := Verify(l); err != nil {
		return err
	}
	clone := l.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.removed[clone.ID]; gone {
		return nil
	}
	if _, known := s.listings[clone.ID]; known {
		return nil
	}
	s.listings[clone.ID] = clone
	s.indexCategoryLocked(clone)
	return nil
}

func (s *Store) indexCategoryLocked(l *Listing) {
	set := s.byCategory[l.Category]
	if set == nil {
		set = make(map[[32]byte]struct{})
		s.byCategory[l.Category] = set
	}
	set[l.ID] = struct{}{}
}

func (s *Store) dropCategoryLocked(l *Listing) {
	set := s.byCategory[l.Category]
	if set == nil {
		return
	}
	delete(set, l.ID)
	if len(set) == 0 {
		delete(s.byCategory, l.Category)
	}
}

// ListingByID returns the listing with the given id, or nil.
func (s *Store) ListingByID(id [32]byte) *Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[id].Clone()
}

// ByCategory returns the listings filed under the given category. Order is
// unspecified.
func (s *Store) ByCategory(category string) []*Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.byCategory[category]
	out := make([]*Listing, 0, len(set))
	for id := range set {
		if l := s.listings[id]; l != nil {
			out = append(out, l.Clone())
		}
	}
	return out
}

// Search returns available listings whose title contains the query text,
// case-insensitively.
func (s *Store) Search(query string) []*Listing {
	needle := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Listing
	for id, l := range s.listings {
		if s.blockedLocked(id) {
			continue
		}
		if strings.Contains(strings.ToLower(l.Title), needle) {
			out = append(out, l.Clone())
		}
	}
	sortListings(out)
	return out
}

// AvailableListings returns listings with no buy request currently in status
// Requested. Availability is computed against the request map under the same
// lock, never stored, so the two registries cannot diverge.
func (s *Store) AvailableListings() []*Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Listing, 0, len(s.listings))
	for id, l := range s.listings {
		if s.blockedLocked(id) {
			continue
		}
		out = append(out, l.Clone())
	}
	sortListings(out)
	return out
}

// blockedLocked reports whether the listing has an active buy request. A
// request blocks the listing iff its status is Requested; terminal requests
// never do.
func (s *Store) blockedLocked(listingID [32]byte) bool {
	_, ok := s.active[listingID]
	return ok
}

// RemoveListing withdraws a listing and tombstones its id so subsequent
// gossip of the same object is ignored.
func (s *Store) RemoveListing(id [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeListingLocked(id)
}

func (s *Store) removeListingLocked(id [32]byte) {
	if l := s.listings[id]; l != nil {
		s.dropCategoryLocked(l)
		delete(s.listings, id)
	}
	s.removed[id] = struct{}{}
}

// SubmitBuyRequest verifies and records a buy request. The first request to
// be recorded for a listing wins; any later submission while that request is
// still Requested observes ErrListingNotAvailable.
func (s *Store) SubmitBuyRequest(r *BuyRequest) error {
	if err := Verify(r); err != nil {
		return err
	}
	clone := r.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.requests[clone.ID]; known {
		return nil
	}
	if _, ok := s.listings[clone.ListingID]; !ok {
		return ErrListingNotFound
	}
	if s.blockedLocked(clone.ListingID) {
		return ErrListingNotAvailable
	}
	clone.Status = StatusRequested
	s.requests[clone.ID] = clone
	s.active[clone.ListingID] = clone.ID
	return nil
}

// ResolveBuyRequest transitions a request from Requested to the given
// terminal outcome exactly once. An accepted sale supersedes the listing, so
// the listing is removed and its id tombstoned; a rejection frees the listing
// for new requests.
func (s *Store) ResolveBuyRequest(id [32]byte, outcome Status) error {
	if !outcome.Terminal() {
		return malformed("resolution outcome must be terminal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != StatusRequested {
		return ErrAlreadyResolved
	}
	req.Status = outcome
	if s.active[req.ListingID] == id {
		delete(s.active, req.ListingID)
	}
	if outcome == StatusAccepted {
		s.removeListingLocked(req.ListingID)
	}
	return nil
}

// BuyRequestByID returns the request with the given id, or nil.
func (s *Store) BuyRequestByID(id [32]byte) *BuyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].Clone()
}

// ActiveRequestFor returns the single non-terminal buy request for the
// listing, or nil when the listing is free.
func (s *Store) ActiveRequestFor(listingID [32]byte) *BuyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[listingID]
	if !ok {
		return nil
	}
	return s.requests[id].Clone()
}

// ListingsBySeller returns every stored listing published under the given
// compressed seller key.
func (s *Store) ListingsBySeller(sellerKey []byte) []*Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Listing
	for _, l := range s.listings {
		if string(l.SellerKey) == string(sellerKey) {
			out = append(out, l.Clone())
		}
	}
	sortListings(out)
	return out
}

// RequestsByBuyer returns every buy request submitted under the given
// compressed buyer key, terminal or not.
func (s *Store) RequestsByBuyer(buyerKey []byte) []*BuyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*BuyRequest
	for _, r := range s.requests {
		if string(r.BuyerKey) == string(buyerKey) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}

// Counts returns the number of stored listings and buy requests.
func (s *Store) Counts() (listings, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings), len(s.requests)
}

func sortListings(ls []*Listing) {
	sort.Slice(ls, func(i, j int) bool {
		return string(ls[i].ID[:]) < string(ls[j].ID[:])
	})
}
