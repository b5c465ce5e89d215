package market

import (
	"math/big"
)

// Status represents the lifecycle phases of a buy request as tracked by the
// ledger. Listed is the implicit state of a listing with no request attached;
// Requested is the single non-terminal state; Accepted and Rejected are final.
type Status uint8

const (
	StatusListed Status = iota
	StatusRequested
	StatusAccepted
	StatusRejected
)

// Valid reports whether the status value is supported.
func (s Status) Valid() bool {
	switch s {
	case StatusListed, StatusRequested, StatusAccepted, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

func (s Status) String() string {
	switch s {
	case StatusListed:
		return "listed"
	case StatusRequested:
		return "requested"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ObjectKind discriminates the closed set of signed market objects carried on
// the wire.
type ObjectKind byte

const (
	KindListing    ObjectKind = 0x01
	KindBuyRequest ObjectKind = 0x02
	KindBuyAccept  ObjectKind = 0x03
	KindBuyReject  ObjectKind = 0x04
)

func (k ObjectKind) String() string {
	switch k {
	case KindListing:
		return "listing"
	case KindBuyRequest:
		return "buy_request"
	case KindBuyAccept:
		return "buy_accept"
	case KindBuyReject:
		return "buy_reject"
	default:
		return "unknown"
	}
}

const compressedKeyLen = 33

// Listing is a seller-authored advertisement. It is immutable once signed;
// the ID is the Keccak-256 hash of every field except ID and Sig.
type Listing struct {
	ID          [32]byte
	Title       string
	Description string
	Category    string
	Price       *big.Int // minor units
	SellerKey   []byte   // compressed secp256k1 point
	CreatedAt   uint64   // unix seconds
	Sig         []byte
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	}
	clone.SellerKey = append([]byte(nil), l.SellerKey...)
	clone.Sig = append([]byte(nil), l.Sig...)
	return &clone
}

// BuyRequest is a buyer-authored intent to purchase a specific listing. It is
// created in status Requested and resolved exactly once by a matching seller
// message.
type BuyRequest struct {
	ID        [32]byte
	ListingID [32]byte
	BuyerKey  []byte
	Status    Status
	CreatedAt uint64
	Sig       []byte
}

func (r *BuyRequest) Clone() *BuyRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.BuyerKey = append([]byte(nil), r.BuyerKey...)
	clone.Sig = append([]byte(nil), r.Sig...)
	return &clone
}

// BuyAccept is the seller message closing a buy request positively. It carries
// the derived 2-of-2 escrow address and the opaque serialized funding
// transaction produced by the ledger collaborator.
type BuyAccept struct {
	ID            [32]byte
	ListingID     [32]byte
	BuyRequestID  [32]byte
	EscrowAddress string
	FundingTx     []byte
	SellerKey     []byte
	CreatedAt     uint64
	Sig           []byte
}

func (a *BuyAccept) Clone() *BuyAccept {
	if a == nil {
		return nil
	}
	clone := *a
	clone.FundingTx = append([]byte(nil), a.FundingTx...)
	clone.SellerKey = append([]byte(nil), a.SellerKey...)
	clone.Sig = append([]byte(nil), a.Sig...)
	return &clone
}

// BuyReject is the seller message closing a buy request negatively. Same shape
// as BuyAccept minus the escrow fields.
type BuyReject struct {
	ID           [32]byte
	ListingID    [32]byte
	BuyRequestID [32]byte
	SellerKey    []byte
	CreatedAt    uint64
	Sig          []byte
}

func (r *BuyReject) Clone() *BuyReject {
	if r == nil {
		return nil
	}
	clone := *r
	clone.SellerKey = append([]byte(nil), r.SellerKey...)
	clone.Sig = append([]byte(nil), r.Sig...)
	return &clone
}

// Object is the closed union of signed market objects. The unexported methods
// keep the set of implementations confined to this package so the gossip
// ingestion boundary can dispatch exhaustively on Kind.
type Object interface {
	Kind() ObjectKind
	// ContentHash computes the canonical Keccak-256 hash over every field
	// except the id and signature.
	ContentHash() ([32]byte, error)
	// Sanitize validates required fields and ranges.
	Sanitize() error

	objectID() [32]byte
	setObjectID([32]byte)
	signerKey() []byte
	signature() []byte
	setSignature([]byte)
}

func (l *Listing) Kind() ObjectKind        { return KindListing }
func (l *Listing) objectID() [32]byte      { return l.ID }
func (l *Listing) setObjectID(id [32]byte) { l.ID = id }
func (l *Listing) signerKey() []byte       { return l.SellerKey }
func (l *Listing) signature() []byte       { return l.Sig }
func (l *Listing) setSignature(sig []byte) { l.Sig = sig }

func (r *BuyRequest) Kind() ObjectKind        { return KindBuyRequest }
func (r *BuyRequest) objectID() [32]byte      { return r.ID }
func (r *BuyRequest) setObjectID(id [32]byte) { r.ID = id }
func (r *BuyRequest) signerKey() []byte       { return r.BuyerKey }
func (r *BuyRequest) signature() []byte       { return r.Sig }
func (r *BuyRequest) setSignature(sig []byte) { r.Sig = sig }

func (a *BuyAccept) Kind() ObjectKind        { return KindBuyAccept }
func (a *BuyAccept) objectID() [32]byte      { return a.ID }
func (a *BuyAccept) setObjectID(id [32]byte) { a.ID = id }
func (a *BuyAccept) signerKey() []byte       { return a.SellerKey }
func (a *BuyAccept) signature() []byte       { return a.Sig }
func (a *BuyAccept) setSignature(sig []byte) { a.Sig = sig }

func (r *BuyReject) Kind() ObjectKind        { return KindBuyReject }
func (r *BuyReject) objectID() [32]byte      { return r.ID }
func (r *BuyReject) setObjectID(id [32]byte) { r.ID = id }
func (r *BuyReject) signerKey() []byte       { return r.SellerKey }
func (r *BuyReject) signature() []byte       { return r.Sig }
func (r *BuyReject) setSignature(sig []byte) { r.Sig = sig }

// Sanitize validates the listing's required fields.
func (l *Listing) Sanitize() error {
	if l == nil {
		return errNil("listing")
	}
	if l.Title == "" {
		return malformed("listing title required")
	}
	if l.Price == nil || l.Price.Sign() <= 0 {
		return malformed("listing price must be positive")
	}
	if len(l.SellerKey) != compressedKeyLen {
		return malformed("listing seller key malformed")
	}
	if l.CreatedAt == 0 {
		return malformed("listing creation time required")
	}
	return nil
}

// Sanitize validates the buy request's required fields. Requests enter the
// network in status Requested; any other status on the wire is malformed.
func (r *BuyRequest) Sanitize() error {
	if r == nil {
		return errNil("buy request")
	}
	if r.ListingID == ([32]byte{}) {
		return malformed("buy request listing id required")
	}
	if len(r.BuyerKey) != compressedKeyLen {
		return malformed("buy request buyer key malformed")
	}
	if !r.Status.Valid() {
		return malformed("buy request status out of range")
	}
	return nil
}

func (a *BuyAccept) Sanitize() error {
	if a == nil {
		return errNil("buy accept")
	}
	if a.ListingID == ([32]byte{}) || a.BuyRequestID == ([32]byte{}) {
		return malformed("buy accept references required")
	}
	if a.EscrowAddress == "" {
		return malformed("buy accept escrow address required")
	}
	if len(a.FundingTx) == 0 {
		return malformed("buy accept funding transaction required")
	}
	if len(a.SellerKey) != compressedKeyLen {
		return malformed("buy accept seller key malformed")
	}
	return nil
}

func (r *BuyReject) Sanitize() error {
	if r == nil {
		return errNil("buy reject")
	}
	if r.ListingID == ([32]byte{}) || r.BuyRequestID == ([32]byte{}) {
		return malformed("buy reject references required")
	}
	if len(r.SellerKey) != compressedKeyLen {
		return malformed("buy reject seller key malformed")
	}
	return nil
}
