package core

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slingmarket/crypto"
	"slingmarket/escrow"
	"slingmarket/market"
	"slingmarket/p2p"
	"slingmarket/storage"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []*p2p.Message
}

func (b *recordingBroadcaster) Broadcast(msg *p2p.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBroadcaster) BroadcastExcept(origin string, msg *p2p.Message) error {
	return b.Broadcast(msg)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *recordingBroadcaster) last() *p2p.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	return b.msgs[len(b.msgs)-1]
}

func newTestNode(t *testing.T, balance int64) (*Node, *recordingBroadcaster) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := escrow.NewWallet(big.NewInt(balance))
	node := NewNode(key, market.NewStore(), escrow.NewCoordinator(wallet))
	rec := &recordingBroadcaster{}
	node.SetBroadcaster(rec)
	return node, rec
}

// deliver gossips an already-encoded object into the node the way a peer
// connection would.
func deliver(t *testing.T, node *Node, from string, obj market.Object) error {
	t.Helper()
	encoded, err := market.EncodeObject(obj)
	if err != nil {
		t.Fatalf("encode %s: %v", obj.Kind(), err)
	}
	return node.HandleMessage(from, p2p.NewObjectMessage(encoded))
}

func TestSellPublishesAndBroadcasts(t *testing.T) {
	node, rec := newTestNode(t, 1_000_000_000)

	listing, err := node.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := market.Verify(listing); err != nil {
		t.Fatalf("published listing does not verify: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one broadcast, got %d", rec.count())
	}
	if got := node.AllListings(); len(got) != 1 || got[0].Title != "Aveng Hammer" {
		t.Fatalf("listing not visible: %+v", got)
	}
	if got := node.MyListings(); len(got) != 1 {
		t.Fatalf("listing missing from my listings: %d", len(got))
	}
}

func TestBuyUnknownListing(t *testing.T) {
	node, _ := newTestNode(t, 0)
	if _, err := node.Buy([32]byte{0xaa}); !errors.Is(err, market.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestFullTradeAcrossNodes(t *testing.T) {
	seller, sellerOut := newTestNode(t, 1_000_000_000)
	buyer, buyerOut := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}

	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}

	// The listing is blocked for everyone while the request is pending.
	rival, _ := newTestNode(t, 0)
	if err := deliver(t, rival, "seller", listing); err != nil {
		t.Fatalf("deliver listing to rival: %v", err)
	}
	if err := deliver(t, rival, "buyer", req); err != nil {
		t.Fatalf("deliver request to rival: %v", err)
	}
	if _, err := rival.Buy(listing.ID); !errors.Is(err, market.ErrListingNotAvailable) {
		t.Fatalf("expected ErrListingNotAvailable for rival, got %v", err)
	}

	accept, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := market.Verify(accept); err != nil {
		t.Fatalf("accept does not verify: %v", err)
	}
	if accept.EscrowAddress == "" || len(accept.FundingTx) == 0 {
		t.Fatal("accept missing escrow provisioning")
	}

	if err := deliver(t, buyer, "seller", accept); err != nil {
		t.Fatalf("deliver accept: %v", err)
	}
	got := buyer.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusAccepted {
		t.Fatal("buyer did not converge on the accepted request")
	}
	if buyer.Store().ListingByID(listing.ID) != nil {
		t.Fatal("sold listing still visible on the buyer node")
	}
	if seller.Store().ListingByID(listing.ID) != nil {
		t.Fatal("sold listing still visible on the seller node")
	}

	// A second resolution attempt must fail on both sides.
	if _, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID); !errors.Is(err, market.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after sale, got %v", err)
	}
	if err := deliver(t, buyer, "seller", accept); err != nil {
		t.Fatalf("duplicate accept delivery must be dropped silently, got %v", err)
	}

	if sellerOut.count() == 0 || buyerOut.count() == 0 {
		t.Fatal("trade produced no gossip")
	}
}

func TestRejectReopensListing(t *testing.T) {
	seller, _ := newTestNode(t, 0)
	buyer, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}

	reject, err := seller.RejectBuy(context.Background(), listing.ID, req.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := deliver(t, buyer, "seller", reject); err != nil {
		t.Fatalf("deliver reject: %v", err)
	}

	got := buyer.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusRejected {
		t.Fatal("buyer did not converge on the rejected request")
	}
	if len(seller.AllListings()) != 1 || len(buyer.AllListings()) != 1 {
		t.Fatal("rejected listing not available again on both nodes")
	}
	if _, err := seller.RejectBuy(context.Background(), listing.ID, req.ID); !errors.Is(err, market.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestFundingFailureLeavesRequestOpen(t *testing.T) {
	seller, _ := newTestNode(t, 1) // cannot cover price plus margin
	buyer, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}

	if _, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID); !errors.Is(err, escrow.ErrFundingFailed) {
		t.Fatalf("expected ErrFundingFailed, got %v", err)
	}
	got := seller.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusRequested {
		t.Fatal("failed funding must leave the request open")
	}
	// The seller can still close the request by rejecting it.
	if _, err := seller.RejectBuy(context.Background(), listing.ID, req.ID); err != nil {
		t.Fatalf("reject after failed funding: %v", err)
	}
}

// gatedWallet funds through the embedded wallet but parks every call until
// released, holding approvals open inside the funding step.
type gatedWallet struct {
	wallet  *escrow.Wallet
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (g *gatedWallet) BuildFunding(ctx context.Context, destination string, amount *big.Int) (escrow.FundingTx, error) {
	atomic.AddInt32(&g.calls, 1)
	g.entered <- struct{}{}
	<-g.release
	return g.wallet.BuildFunding(ctx, destination, amount)
}

func TestConcurrentApprovalsFundOnce(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	start := big.NewInt(1_000_000_000)
	gate := &gatedWallet{
		wallet:  escrow.NewWallet(start),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	seller := NewNode(key, market.NewStore(), escrow.NewCoordinator(gate))
	seller.SetBroadcaster(&recordingBroadcaster{})
	buyer, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID)
			results <- err
		}()
	}

	// Only one approval may reach the funding step; the other must be turned
	// away before it can debit anything.
	<-gate.entered
	close(gate.release)

	var successes, resolved int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			successes++
		case errors.Is(err, market.ErrAlreadyResolved):
			resolved++
		default:
			t.Fatalf("unexpected approval error: %v", err)
		}
	}
	if successes != 1 || resolved != 1 {
		t.Fatalf("want one success and one ErrAlreadyResolved, got %d and %d", successes, resolved)
	}
	if got := atomic.LoadInt32(&gate.calls); got != 1 {
		t.Fatalf("funding transaction built %d times, want 1", got)
	}
	want := new(big.Int).Sub(start, big.NewInt(5_000_000+escrow.DefaultFixedMargin))
	if got := gate.wallet.Balance(); got.Cmp(want) != 0 {
		t.Fatalf("wallet balance %s after sale, want %s", got, want)
	}
}

func TestGossipedRejectCannotInterleaveApproval(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	gate := &gatedWallet{
		wallet:  escrow.NewWallet(big.NewInt(1_000_000_000)),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	seller := NewNode(key, market.NewStore(), escrow.NewCoordinator(gate))
	seller.SetBroadcaster(&recordingBroadcaster{})
	buyer, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}
	reject := &market.BuyReject{
		ListingID:    listing.ID,
		BuyRequestID: req.ID,
		SellerKey:    key.PubKey().Compressed(),
		CreatedAt:    1_700_000_300,
	}
	if err := market.Sign(reject, key); err != nil {
		t.Fatalf("sign reject: %v", err)
	}
	encodedReject, err := market.EncodeObject(reject)
	if err != nil {
		t.Fatalf("encode reject: %v", err)
	}

	approveDone := make(chan error, 1)
	go func() {
		_, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID)
		approveDone <- err
	}()
	<-gate.entered

	// The reject arrives while the approval is parked in the funding step; it
	// must wait behind the approval and then fail as already resolved.
	rejectDone := make(chan error, 1)
	go func() {
		rejectDone <- seller.HandleMessage("peer", p2p.NewObjectMessage(encodedReject))
	}()
	close(gate.release)

	if err := <-approveDone; err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := <-rejectDone; !errors.Is(err, market.ErrAlreadyResolved) {
		t.Fatalf("expected gossiped reject to lose the race, got %v", err)
	}
	got := seller.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusAccepted {
		t.Fatal("request did not stay accepted")
	}
}

func TestGossipDeduplication(t *testing.T) {
	publisher, _ := newTestNode(t, 0)
	node, rec := newTestNode(t, 0)

	listing, err := publisher.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	encoded, err := market.EncodeObject(listing)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := node.HandleMessage("peer-a", p2p.NewObjectMessage(encoded)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	forwarded := rec.count()
	if forwarded != 1 {
		t.Fatalf("expected one relay, got %d", forwarded)
	}

	// The same object from another peer is dropped without re-relaying.
	if err := node.HandleMessage("peer-b", p2p.NewObjectMessage(encoded)); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if rec.count() != forwarded {
		t.Fatalf("duplicate was re-relayed: %d broadcasts", rec.count())
	}
	if listings, _ := node.Store().Counts(); listings != 1 {
		t.Fatalf("duplicate mutated state: %d listings", listings)
	}
}

func TestGossipRejectsForgedAccept(t *testing.T) {
	seller, _ := newTestNode(t, 1_000_000_000)
	buyer, _ := newTestNode(t, 0)
	mallory, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Mallory fabricates an acceptance under a key that does not own the
	// listing.
	forged := &market.BuyAccept{
		ListingID:     listing.ID,
		BuyRequestID:  req.ID,
		EscrowAddress: "slme1forged",
		FundingTx:     []byte{0x01},
		SellerKey:     mallory.PubKey().Compressed(),
		CreatedAt:     1_700_000_200,
	}
	if err := market.Sign(forged, mallory); err != nil {
		t.Fatalf("sign forged accept: %v", err)
	}
	if err := deliver(t, buyer, "mallory", forged); err == nil {
		t.Fatal("expected forged accept to be rejected")
	}
	got := buyer.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusRequested {
		t.Fatal("forged accept mutated the request")
	}
}

func TestGossipRejectsWrongEscrowAddress(t *testing.T) {
	seller, _ := newTestNode(t, 1_000_000_000)
	buyer, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}

	accept, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Re-sign the accept with a diverted escrow address. The signature is
	// valid but the address no longer derives from the trading keys.
	diverted := accept.Clone()
	diverted.EscrowAddress = "slme1attacker"
	sellerKey := sellerPrivateKey(t, seller)
	if err := market.Sign(diverted, sellerKey); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if err := deliver(t, buyer, "seller", diverted); err == nil {
		t.Fatal("expected diverted escrow address to be rejected")
	}
	got := buyer.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusRequested {
		t.Fatal("diverted accept mutated the request")
	}
}

func sellerPrivateKey(t *testing.T, node *Node) *crypto.PrivateKey {
	t.Helper()
	return node.key
}

func TestOutOfOrderAcceptConverges(t *testing.T) {
	seller, _ := newTestNode(t, 1_000_000_000)
	buyer, _ := newTestNode(t, 0)
	late, _ := newTestNode(t, 0)

	listing, err := seller.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := deliver(t, buyer, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	req, err := buyer.Buy(listing.ID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := deliver(t, seller, "buyer", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}
	accept, err := seller.ApproveBuy(context.Background(), listing.ID, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// The accept races ahead of its request on the late node and fails to
	// apply; a retransmission after the request arrives must still succeed.
	if err := deliver(t, late, "seller", listing); err != nil {
		t.Fatalf("deliver listing: %v", err)
	}
	if err := deliver(t, late, "x", accept); err == nil {
		t.Fatal("expected early accept to fail while the request is unknown")
	}
	if err := deliver(t, late, "x", req); err != nil {
		t.Fatalf("deliver request: %v", err)
	}
	if err := deliver(t, late, "y", accept); err != nil {
		t.Fatalf("retransmitted accept: %v", err)
	}
	got := late.Store().BuyRequestByID(req.ID)
	if got == nil || got.Status != market.StatusAccepted {
		t.Fatal("late node did not converge after retransmission")
	}
}

func TestSnapshotPersistence(t *testing.T) {
	db := storage.NewMemDB()
	node, _ := newTestNode(t, 0)
	node.SetSnapshotDB(db)

	listing, err := node.Sell("Aveng Hammer", "solid", "tools", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	restored := market.NewStore()
	if err := restored.Load(db); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.ListingByID(listing.ID) == nil {
		t.Fatal("listing not persisted across restart")
	}
}

func TestHandleMessageRejectsForeignTypes(t *testing.T) {
	node, rec := newTestNode(t, 0)
	ping, err := p2p.NewPingMessage(1, time.Now())
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	if err := node.HandleMessage("peer", ping); err == nil {
		t.Fatal("expected non-market message to be rejected")
	}
	if rec.count() != 0 {
		t.Fatal("rejected message was relayed")
	}
}
