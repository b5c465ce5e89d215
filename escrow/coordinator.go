package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"slingmarket/crypto"
	"slingmarket/market"
)

// ErrFundingFailed is surfaced when the ledger collaborator cannot construct
// a funding transaction of sufficient value. It is terminal for the approval
// attempt: the seller must retry with different parameters, it is never
// retried locally.
var ErrFundingFailed = errors.New("escrow: funding failed")

// DefaultFixedMargin is the flat escrow margin added on top of the listing
// price, in minor units (0.01 coin at eight decimals).
const DefaultFixedMargin = 1_000_000

// FundingTx is the opaque artifact produced by the ledger collaborator. The
// coordinator only interprets the destination and amount; Raw is carried
// verbatim inside the BuyAccept.
type FundingTx struct {
	Raw         []byte
	Destination string
	Amount      *big.Int
}

// TxBuilder constructs a transaction paying the given amount to the escrow
// destination. Implementations own their timeout discipline; the coordinator
// passes the caller context through and surfaces failures as ErrFundingFailed.
type TxBuilder interface {
	BuildFunding(ctx context.Context, destination string, amount *big.Int) (FundingTx, error)
}

// Coordinator turns seller approvals into signed BuyAccept messages backed by
// a provisioned 2-of-2 escrow, and refusals into signed BuyReject messages.
type Coordinator struct {
	builder TxBuilder
	margin  *big.Int
	nowFn   func() uint64
}

// NewCoordinator binds the coordinator to a funding-transaction builder.
func NewCoordinator(builder TxBuilder) *Coordinator {
	return &Coordinator{
		builder: builder,
		margin:  big.NewInt(DefaultFixedMargin),
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetMargin overrides the fixed escrow margin.
func (c *Coordinator) SetMargin(margin *big.Int) {
	if margin == nil || margin.Sign() < 0 {
		return
	}
	c.margin = new(big.Int).Set(margin)
}

// SetNowFunc overrides the time source, primarily used in tests.
func (c *Coordinator) SetNowFunc(now func() uint64) {
	if now == nil {
		c.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	c.nowFn = now
}

// Margin returns the configured fixed margin.
func (c *Coordinator) Margin() *big.Int {
	return new(big.Int).Set(c.margin)
}

// DeriveEscrowAddress computes the deterministic 2-of-2 escrow lock address
// for a seller/buyer key pair. The compressed keys are ordered bytewise
// before hashing so either party independently recomputes the same address
// regardless of argument order.
func DeriveEscrowAddress(keyA, keyB []byte) (crypto.Address, error) {
	if _, err := crypto.PublicKeyFromBytes(keyA); err != nil {
		return crypto.Address{}, fmt.Errorf("escrow: first key: %w", err)
	}
	if _, err := crypto.PublicKeyFromBytes(keyB); err != nil {
		return crypto.Address{}, fmt.Errorf("escrow: second key: %w", err)
	}
	lo, hi := keyA, keyB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	digest := ethcrypto.Keccak256(lo, hi)
	return crypto.NewAddress(crypto.EscrowPrefix, digest[12:]), nil
}

// Approve provisions the escrow for a buy request and returns the signed
// BuyAccept. The funding transaction pays listing.Price plus the fixed margin
// to the derived escrow address; builder failures surface as ErrFundingFailed.
func (c *Coordinator) Approve(ctx context.Context, listing *market.Listing, req *market.BuyRequest, sellerKey *crypto.PrivateKey) (*market.BuyAccept, error) {
	if listing == nil || req == nil {
		return nil, fmt.Errorf("escrow: nil listing or request")
	}
	if sellerKey == nil {
		return nil, fmt.Errorf("escrow: nil seller key")
	}
	if req.ListingID != listing.ID {
		return nil, fmt.Errorf("escrow: buy request references a different listing")
	}
	if !bytes.Equal(listing.SellerKey, sellerKey.PubKey().Compressed()) {
		return nil, fmt.Errorf("escrow: seller key does not own the listing")
	}

	addr, err := DeriveEscrowAddress(listing.SellerKey, req.BuyerKey)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Add(listing.Price, c.margin)

	funding, err := c.builder.BuildFunding(ctx, addr.String(), amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFundingFailed, err)
	}
	if funding.Destination != addr.String() {
		return nil, fmt.Errorf("%w: transaction pays %s, want %s", ErrFundingFailed, funding.Destination, addr.String())
	}
	if funding.Amount == nil || funding.Amount.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: transaction value below price plus margin", ErrFundingFailed)
	}

	accept := &market.BuyAccept{
		ListingID:     listing.ID,
		BuyRequestID:  req.ID,
		EscrowAddress: addr.String(),
		FundingTx:     funding.Raw,
		SellerKey:     listing.SellerKey,
		CreatedAt:     c.nowFn(),
	}
	if err := market.Sign(accept, sellerKey); err != nil {
		return nil, err
	}
	return accept, nil
}

// Reject closes a buy request negatively. No escrow is involved; the result
// is a simple signed refusal.
func (c *Coordinator) Reject(ctx context.Context, listing *market.Listing, req *market.BuyRequest, sellerKey *crypto.PrivateKey) (*market.BuyReject, error) {
	_ = ctx
	if listing == nil || req == nil {
		return nil, fmt.Errorf("escrow: nil listing or request")
	}
	if sellerKey == nil {
		return nil, fmt.Errorf("escrow: nil seller key")
	}
	if req.ListingID != listing.ID {
		return nil, fmt.Errorf("escrow: buy request references a different listing")
	}
	if !bytes.Equal(listing.SellerKey, sellerKey.PubKey().Compressed()) {
		return nil, fmt.Errorf("escrow: seller key does not own the listing")
	}

	reject := &market.BuyReject{
		ListingID:    listing.ID,
		BuyRequestID: req.ID,
		SellerKey:    listing.SellerKey,
		CreatedAt:    c.nowFn(),
	}
	if err := market.Sign(reject, sellerKey); err != nil {
		return nil, err
	}
	return reject, nil
}
