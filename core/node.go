package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"slingmarket/crypto"
	"slingmarket/escrow"
	"slingmarket/market"
	"slingmarket/p2p"
	"slingmarket/storage"
)

const seenWindowSize = 4096

// Node owns the market state container and wires the command surface, the
// escrow coordinator and gossip ingestion together. All mutations funnel
// through the store's lock; the node itself keeps no mutable registry state
// beyond the seen-hash window.
type Node struct {
	logger      *slog.Logger
	key         *crypto.PrivateKey
	store       *market.Store
	coordinator *escrow.Coordinator
	broadcaster p2p.Broadcaster
	seen        *p2p.SeenCache
	db          storage.Database
	metrics     *marketMetrics
	nowFn       func() uint64

	// resolveMu serializes buy-request resolution across the command surface
	// and gossip ingestion, so the status check, the escrow funding and the
	// resolve form one atomic step.
	resolveMu sync.Mutex
}

// NewNode constructs a node around an explicit store instance. Multiple
// independent nodes may coexist in one process, each with its own store.
func NewNode(key *crypto.PrivateKey, store *market.Store, coordinator *escrow.Coordinator) *Node {
	return &Node{
		logger:      slog.Default().With(slog.String("component", "market_node")),
		key:         key,
		store:       store,
		coordinator: coordinator,
		broadcaster: noopBroadcaster{},
		seen:        p2p.NewSeenCache(seenWindowSize),
		metrics:     newMarketMetrics(),
		nowFn:       func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetBroadcaster attaches the gossip transport. Before this is called the
// node operates standalone and broadcasts are dropped.
func (n *Node) SetBroadcaster(b p2p.Broadcaster) {
	if b == nil {
		n.broadcaster = noopBroadcaster{}
		return
	}
	n.broadcaster = b
}

// SetSnapshotDB enables registry snapshot persistence after each mutation.
func (n *Node) SetSnapshotDB(db storage.Database) {
	n.db = db
}

// SetNowFunc overrides the time source, primarily used in tests.
func (n *Node) SetNowFunc(now func() uint64) {
	if now == nil {
		n.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	n.nowFn = now
}

// Store exposes the underlying state container for read-side consumers.
func (n *Node) Store() *market.Store {
	return n.store
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(*p2p.Message) error               { return nil }
func (noopBroadcaster) BroadcastExcept(string, *p2p.Message) error { return nil }

// EncodeID renders an object id the way the RPC surface exposes it.
func EncodeID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

// DecodeID parses a 64-character hex object id.
func DecodeID(value string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(value)
	if err != nil {
		return id, fmt.Errorf("invalid object id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid object id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// --- Command surface (consumed by the RPC layer) ---

// ListingSummary is the query-result shape for listings.
type ListingSummary struct {
	ID       string
	Title    string
	Price    *big.Int
	VendorID string
	Expiry   uint64
}

// RequestSummary is the query-result shape for buy requests.
type RequestSummary struct {
	ID        string
	ListingID string
	Status    string
	CreatedAt uint64
}

func summarizeListing(l *market.Listing) ListingSummary {
	vendor := ""
	if pub, err := crypto.PublicKeyFromBytes(l.SellerKey); err == nil {
		vendor = pub.Address().String()
	}
	return ListingSummary{
		ID:       EncodeID(l.ID),
		Title:    l.Title,
		Price:    new(big.Int).Set(l.Price),
		VendorID: vendor,
		Expiry:   l.CreatedAt + uint64(market.ListingLifetime/time.Second),
	}
}

func summarizeRequest(r *market.BuyRequest) RequestSummary {
	return RequestSummary{
		ID:        EncodeID(r.ID),
		ListingID: EncodeID(r.ListingID),
		Status:    r.Status.String(),
		CreatedAt: r.CreatedAt,
	}
}

// AllListings returns every listing with no active buy request.
func (n *Node) AllListings() []ListingSummary {
	listings := n.store.AvailableListings()
	out := make([]ListingSummary, 0, len(listings))
	for _, l := range listings {
		out = append(out, summarizeListing(l))
	}
	return out
}

// SearchListings returns available listings whose title matches the query
// case-insensitively.
func (n *Node) SearchListings(query string) []ListingSummary {
	listings := n.store.Search(query)
	out := make([]ListingSummary, 0, len(listings))
	for _, l := range listings {
		out = append(out, summarizeListing(l))
	}
	return out
}

// MyListings returns the listings published under this node's key.
func (n *Node) MyListings() []ListingSummary {
	listings := n.store.ListingsBySeller(n.key.PubKey().Compressed())
	out := make([]ListingSummary, 0, len(listings))
	for _, l := range listings {
		out = append(out, summarizeListing(l))
	}
	return out
}

// MyBuyRequests returns the buy requests submitted under this node's key.
func (n *Node) MyBuyRequests() []RequestSummary {
	requests := n.store.RequestsByBuyer(n.key.PubKey().Compressed())
	out := make([]RequestSummary, 0, len(requests))
	for _, r := range requests {
		out = append(out, summarizeRequest(r))
	}
	return out
}

// Sell creates, signs, stores and broadcasts a new listing, returning it with
// the derived id filled in.
func (n *Node) Sell(title, description, category string, price *big.Int) (*market.Listing, error) {
	listing := &market.Listing{
		Title:       title,
		Description: description,
		Category:    category,
		Price:       price,
		SellerKey:   n.key.PubKey().Compressed(),
		CreatedAt:   n.nowFn(),
	}
	if err := market.Sign(listing, n.key); err != nil {
		return nil, err
	}
	if err := n.store.InsertListing(listing); err != nil {
		return nil, err
	}
	n.afterApply(listing)
	return listing.Clone(), nil
}

// Buy submits a signed buy request for the listing. The submission is checked
// against the registry synchronously; the broadcast is fire and forget.
func (n *Node) Buy(listingID [32]byte) (*market.BuyRequest, error) {
	if n.store.ListingByID(listingID) == nil {
		return nil, market.ErrListingNotFound
	}
	req := &market.BuyRequest{
		ListingID: listingID,
		BuyerKey:  n.key.PubKey().Compressed(),
		Status:    market.StatusRequested,
		CreatedAt: n.nowFn(),
	}
	if err := market.Sign(req, n.key); err != nil {
		return nil, err
	}
	if err := n.store.SubmitBuyRequest(req); err != nil {
		return nil, err
	}
	n.afterApply(req)
	return req.Clone(), nil
}

// ApproveBuy approves the buy request: the escrow coordinator derives the
// 2-of-2 lock address, builds the funding transaction and signs a BuyAccept,
// which is then applied locally and broadcast. A funding failure leaves the
// request unresolved so the seller can retry with different parameters.
func (n *Node) ApproveBuy(ctx context.Context, listingID, requestID [32]byte) (*market.BuyAccept, error) {
	// Holding the resolve lock across the funding step keeps a concurrent
	// approval or a gossiped resolution from slipping in after the status
	// check and stranding an already-debited funding transaction.
	n.resolveMu.Lock()
	defer n.resolveMu.Unlock()

	req := n.store.BuyRequestByID(requestID)
	if req == nil {
		return nil, market.ErrRequestNotFound
	}
	if req.ListingID != listingID {
		return nil, fmt.Errorf("%w: request targets a different listing", market.ErrRequestNotFound)
	}
	// Resolution state is checked before the listing so a replayed approval
	// reports the terminal request rather than the retired listing.
	if req.Status != market.StatusRequested {
		return nil, market.ErrAlreadyResolved
	}
	listing := n.store.ListingByID(listingID)
	if listing == nil {
		return nil, market.ErrListingNotFound
	}

	accept, err := n.coordinator.Approve(ctx, listing, req, n.key)
	if err != nil {
		return nil, err
	}
	if err := n.store.ResolveBuyRequest(requestID, market.StatusAccepted); err != nil {
		return nil, err
	}
	n.afterApply(accept)
	return accept, nil
}

// RejectBuy refuses the buy request with a signed BuyReject.
func (n *Node) RejectBuy(ctx context.Context, listingID, requestID [32]byte) (*market.BuyReject, error) {
	n.resolveMu.Lock()
	defer n.resolveMu.Unlock()

	req := n.store.BuyRequestByID(requestID)
	if req == nil {
		return nil, market.ErrRequestNotFound
	}
	if req.ListingID != listingID {
		return nil, fmt.Errorf("%w: request targets a different listing", market.ErrRequestNotFound)
	}
	if req.Status != market.StatusRequested {
		return nil, market.ErrAlreadyResolved
	}
	listing := n.store.ListingByID(listingID)
	if listing == nil {
		return nil, market.ErrListingNotFound
	}

	reject, err := n.coordinator.Reject(ctx, listing, req, n.key)
	if err != nil {
		return nil, err
	}
	if err := n.store.ResolveBuyRequest(requestID, market.StatusRejected); err != nil {
		return nil, err
	}
	n.afterApply(reject)
	return reject, nil
}

// afterApply broadcasts a locally created object, marks it seen so the echo
// from peers is deduplicated, persists the snapshot and refreshes metrics.
func (n *Node) afterApply(obj market.Object) {
	hash, err := obj.ContentHash()
	if err == nil {
		n.seen.Observe(hash)
	}
	encoded, err := market.EncodeObject(obj)
	if err != nil {
		n.logger.Error("Failed to encode object for gossip",
			slog.String("kind", obj.Kind().String()),
			slog.Any("error", err))
	} else if err := n.broadcaster.Broadcast(p2p.NewObjectMessage(encoded)); err != nil {
		n.logger.Warn("Broadcast incomplete",
			slog.String("kind", obj.Kind().String()),
			slog.Any("error", err))
	}
	n.metrics.recordApplied(obj.Kind().String())
	n.persistSnapshot()
}

func (n *Node) persistSnapshot() {
	listings, requests := n.store.Counts()
	n.metrics.observeCounts(listings, requests)
	if n.db == nil {
		return
	}
	if err := n.store.Save(n.db); err != nil {
		n.logger.Error("Failed to persist registry snapshot",
			slog.Any("error", err))
	}
}
