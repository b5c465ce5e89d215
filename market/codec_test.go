package market

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"slingmarket/crypto"
)

func newTestKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signedListing(t *testing.T, key *crypto.PrivateKey, title string) *Listing {
	t.Helper()
	listing := &Listing{
		Title:       title,
		Description: "test item",
		Category:    "tools",
		Price:       big.NewInt(5_000_000),
		SellerKey:   key.PubKey().Compressed(),
		CreatedAt:   1_700_000_000,
	}
	if err := Sign(listing, key); err != nil {
		t.Fatalf("sign listing: %v", err)
	}
	return listing
}

func signedBuyRequest(t *testing.T, key *crypto.PrivateKey, listingID [32]byte) *BuyRequest {
	t.Helper()
	req := &BuyRequest{
		ListingID: listingID,
		BuyerKey:  key.PubKey().Compressed(),
		Status:    StatusRequested,
		CreatedAt: 1_700_000_100,
	}
	if err := Sign(req, key); err != nil {
		t.Fatalf("sign buy request: %v", err)
	}
	return req
}

func TestSignDerivesContentHashID(t *testing.T) {
	key := newTestKey(t)
	listing := signedListing(t, key, "Aveng Hammer")

	hash, err := listing.ContentHash()
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	if listing.ID != hash {
		t.Fatalf("id %x does not match content hash %x", listing.ID, hash)
	}
	if err := Verify(listing); err != nil {
		t.Fatalf("verify signed listing: %v", err)
	}
}

func TestContentHashStableAcrossClones(t *testing.T) {
	key := newTestKey(t)
	listing := signedListing(t, key, "Aveng Hammer")

	a, err := listing.ContentHash()
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	b, err := listing.Clone().ContentHash()
	if err != nil {
		t.Fatalf("clone content hash: %v", err)
	}
	if a != b {
		t.Fatalf("clone hash diverged: %x vs %x", a, b)
	}
}

func TestSignRejectsForeignRoleKey(t *testing.T) {
	seller := newTestKey(t)
	other := newTestKey(t)
	listing := &Listing{
		Title:     "Aveng Hammer",
		Price:     big.NewInt(100),
		SellerKey: seller.PubKey().Compressed(),
		CreatedAt: 1_700_000_000,
	}
	if err := Sign(listing, other); err == nil {
		t.Fatal("expected signing with a foreign key to fail")
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	key := newTestKey(t)
	listing := signedListing(t, key, "Aveng Hammer")

	tampered := listing.Clone()
	tampered.Price = big.NewInt(1)
	if err := Verify(tampered); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject for tampered price, got %v", err)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	key := newTestKey(t)
	forger := newTestKey(t)
	listing := signedListing(t, key, "Aveng Hammer")

	forged := signedListing(t, forger, "Aveng Hammer")
	listing.Sig = forged.Sig
	if err := Verify(listing); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformedObjects(t *testing.T) {
	key := newTestKey(t)

	cases := []struct {
		name string
		obj  Object
	}{
		{"empty title", &Listing{Price: big.NewInt(1), SellerKey: key.PubKey().Compressed(), CreatedAt: 1}},
		{"zero price", &Listing{Title: "x", Price: big.NewInt(0), SellerKey: key.PubKey().Compressed(), CreatedAt: 1}},
		{"short seller key", &Listing{Title: "x", Price: big.NewInt(1), SellerKey: []byte{0x02}, CreatedAt: 1}},
		{"zero listing ref", &BuyRequest{BuyerKey: key.PubKey().Compressed(), Status: StatusRequested}},
		{"bad status", &BuyRequest{ListingID: [32]byte{1}, BuyerKey: key.PubKey().Compressed(), Status: Status(9)}},
		{"accept without escrow", &BuyAccept{ListingID: [32]byte{1}, BuyRequestID: [32]byte{2}, FundingTx: []byte{1}, SellerKey: key.PubKey().Compressed()}},
		{"accept without funding", &BuyAccept{ListingID: [32]byte{1}, BuyRequestID: [32]byte{2}, EscrowAddress: "slme1x", SellerKey: key.PubKey().Compressed()}},
		{"reject without refs", &BuyReject{SellerKey: key.PubKey().Compressed()}},
	}
	for _, tc := range cases {
		if err := Verify(tc.obj); !errors.Is(err, ErrMalformedObject) {
			t.Fatalf("%s: expected ErrMalformedObject, got %v", tc.name, err)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seller := newTestKey(t)
	buyer := newTestKey(t)
	listing := signedListing(t, seller, "Aveng Hammer")
	req := signedBuyRequest(t, buyer, listing.ID)

	for _, obj := range []Object{listing, req} {
		encoded, err := EncodeObject(obj)
		if err != nil {
			t.Fatalf("encode %s: %v", obj.Kind(), err)
		}
		decoded, err := DecodeObject(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", obj.Kind(), err)
		}
		if decoded.Kind() != obj.Kind() {
			t.Fatalf("kind changed across the wire: %s vs %s", decoded.Kind(), obj.Kind())
		}
		if err := Verify(decoded); err != nil {
			t.Fatalf("verify decoded %s: %v", obj.Kind(), err)
		}
		reencoded, err := EncodeObject(decoded)
		if err != nil {
			t.Fatalf("re-encode %s: %v", obj.Kind(), err)
		}
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("%s encoding is not stable", obj.Kind())
		}
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	key := newTestKey(t)
	listing := signedListing(t, key, "Aveng Hammer")
	encoded, err := EncodeObject(listing)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := DecodeObject(nil); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject for empty payload, got %v", err)
	}
	badVersion := append([]byte{0x7f}, encoded[1:]...)
	if _, err := DecodeObject(badVersion); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject for bad version, got %v", err)
	}
	badKind := append([]byte{encoded[0], 0x7f}, encoded[2:]...)
	if _, err := DecodeObject(badKind); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject for unknown kind, got %v", err)
	}
}
