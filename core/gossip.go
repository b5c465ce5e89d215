package core

import (
	"bytes"
	"fmt"
	"log/slog"

	"slingmarket/escrow"
	"slingmarket/market"
	"slingmarket/p2p"
)

// HandleMessage is the gossip ingestion boundary. Inbound objects are
// deduplicated by content hash, validated, folded into the registries and
// re-broadcast to every peer except the one they arrived from. Errors are
// returned for transport-side logging only; nothing is ever reported back to
// the remote peer.
func (n *Node) HandleMessage(from string, msg *p2p.Message) error {
	if msg == nil {
		return fmt.Errorf("core: nil message")
	}
	if msg.Type != p2p.MsgTypeMarketObject {
		return fmt.Errorf("core: unsupported message type 0x%02x", msg.Type)
	}

	obj, err := market.DecodeObject(msg.Payload)
	if err != nil {
		n.metrics.recordRejected()
		return err
	}
	hash, err := obj.ContentHash()
	if err != nil {
		n.metrics.recordRejected()
		return err
	}
	if n.seen.Contains(hash) {
		n.metrics.recordDuplicate()
		return nil
	}

	if err := n.applyRemote(obj); err != nil {
		n.metrics.recordRejected()
		n.logger.Debug("Gossip object not applied",
			slog.String("kind", obj.Kind().String()),
			slog.String("peer_id", from),
			slog.Any("error", err))
		return err
	}

	// Only successfully applied objects enter the seen window, so an object
	// that arrived before its references can still be learned from a later
	// retransmission.
	n.seen.Observe(hash)
	n.metrics.recordApplied(obj.Kind().String())
	n.persistSnapshot()

	if err := n.broadcaster.BroadcastExcept(from, p2p.NewObjectMessage(msg.Payload)); err != nil {
		n.logger.Warn("Re-broadcast incomplete",
			slog.String("kind", obj.Kind().String()),
			slog.Any("error", err))
	}
	return nil
}

// applyRemote routes a decoded object into the registries. Verification is
// part of every path; invalid objects never touch state.
func (n *Node) applyRemote(obj market.Object) error {
	switch o := obj.(type) {
	case *market.Listing:
		return n.store.InsertListing(o)
	case *market.BuyRequest:
		return n.store.SubmitBuyRequest(o)
	case *market.BuyAccept:
		return n.applyAccept(o)
	case *market.BuyReject:
		return n.applyReject(o)
	default:
		return fmt.Errorf("%w: unhandled object kind", market.ErrMalformedObject)
	}
}

func (n *Node) applyAccept(accept *market.BuyAccept) error {
	if err := market.Verify(accept); err != nil {
		return err
	}
	// Resolution shares the node's resolve lock with the command surface so
	// a gossiped accept cannot race a local approval's funding step.
	n.resolveMu.Lock()
	defer n.resolveMu.Unlock()

	req := n.store.BuyRequestByID(accept.BuyRequestID)
	if req == nil {
		return market.ErrRequestNotFound
	}
	if req.ListingID != accept.ListingID {
		return fmt.Errorf("%w: accept references mismatched listing", market.ErrMalformedObject)
	}
	listing := n.store.ListingByID(accept.ListingID)
	if listing == nil {
		return market.ErrListingNotFound
	}
	if !bytes.Equal(listing.SellerKey, accept.SellerKey) {
		return fmt.Errorf("%w: accept not signed by listing seller", market.ErrInvalidSignature)
	}
	expected, err := escrow.DeriveEscrowAddress(listing.SellerKey, req.BuyerKey)
	if err != nil {
		return err
	}
	if accept.EscrowAddress != expected.String() {
		return fmt.Errorf("%w: escrow address does not derive from the trading keys", market.ErrMalformedObject)
	}
	return n.store.ResolveBuyRequest(accept.BuyRequestID, market.StatusAccepted)
}

func (n *Node) applyReject(reject *market.BuyReject) error {
	if err := market.Verify(reject); err != nil {
		return err
	}
	n.resolveMu.Lock()
	defer n.resolveMu.Unlock()

	req := n.store.BuyRequestByID(reject.BuyRequestID)
	if req == nil {
		return market.ErrRequestNotFound
	}
	if req.ListingID != reject.ListingID {
		return fmt.Errorf("%w: reject references mismatched listing", market.ErrMalformedObject)
	}
	listing := n.store.ListingByID(reject.ListingID)
	if listing == nil {
		return market.ErrListingNotFound
	}
	if !bytes.Equal(listing.SellerKey, reject.SellerKey) {
		return fmt.Errorf("%w: reject not signed by listing seller", market.ErrInvalidSignature)
	}
	return n.store.ResolveBuyRequest(reject.BuyRequestID, market.StatusRejected)
}
