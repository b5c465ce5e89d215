package market

import (
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"slingmarket/storage"
)

var snapshotKey = []byte("market/snapshot")

// snapshot is the persisted form of the store. The derived indices
// (category, active request) are rebuilt on load rather than stored.
type snapshot struct {
	Listings []*Listing
	Requests []*BuyRequest
	Removed  [][32]byte
}

// Save writes an RLP snapshot of the canonical object set. Entries are sorted
// by id so repeated saves of the same state are byte-identical.
func (s *Store) Save(db storage.Database) error {
	s.mu.Lock()
	snap := snapshot{
		Listings: make([]*Listing, 0, len(s.listings)),
		Requests: make([]*BuyRequest, 0, len(s.requests)),
		Removed:  make([][32]byte, 0, len(s.removed)),
	}
	for _, l := range s.listings {
		snap.Listings = append(snap.Listings, l.Clone())
	}
	for _, r := range s.requests {
		snap.Requests = append(snap.Requests, r.Clone())
	}
	for id := range s.removed {
		snap.Removed = append(snap.Removed, id)
	}
	s.mu.Unlock()

	sort.Slice(snap.Listings, func(i, j int) bool {
		return string(snap.Listings[i].ID[:]) < string(snap.Listings[j].ID[:])
	})
	sort.Slice(snap.Requests, func(i, j int) bool {
		return string(snap.Requests[i].ID[:]) < string(snap.Requests[j].ID[:])
	})
	sort.Slice(snap.Removed, func(i, j int) bool {
		return string(snap.Removed[i][:]) < string(snap.Removed[j][:])
	})

	encoded, err := rlp.EncodeToBytes(snap)
	if err != nil {
		return err
	}
	return db.Put(snapshotKey, encoded)
}

// Load replaces the store contents with the persisted snapshot and rebuilds
// the derived indices. A missing snapshot leaves the store empty; subsequent
// gossip reconciles the view.
func (s *Store) Load(db storage.Database) error {
	encoded, err := db.Get(snapshotKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := rlp.DecodeBytes(encoded, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.listings = make(map[[32]byte]*Listing, len(snap.Listings))
	s.requests = make(map[[32]byte]*BuyRequest, len(snap.Requests))
	s.byCategory = make(map[string]map[[32]byte]struct{})
	s.active = make(map[[32]byte][32]byte)
	s.removed = make(map[[32]byte]struct{}, len(snap.Removed))

	for _, id := range snap.Removed {
		s.removed[id] = struct{}{}
	}
	for _, l := range snap.Listings {
		if l == nil {
			continue
		}
		if _, gone := s.removed[l.ID]; gone {
			continue
		}
		s.listings[l.ID] = l
		s.indexCategoryLocked(l)
	}
	for _, r := range snap.Requests {
		if r == nil {
			continue
		}
		s.requests[r.ID] = r
		if r.Status == StatusRequested {
			s.active[r.ListingID] = r.ID
		}
	}
	return nil
}
