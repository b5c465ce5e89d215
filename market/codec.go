package market

import (
	"bytes"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"slingmarket/crypto"
)

// Wire format version for signed market objects. Peers computing content
// hashes over different encodings would never converge, so the envelope is
// the compatibility-critical boundary.
const wireVersion byte = 0x01

const signatureLen = 65

func keccak(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(b))
	return out
}

// ContentHash covers every listing field except ID and Sig. RLP provides
// canonical field ordering and minimal big-endian integer encoding, so
// independent peers compute identical hashes.
func (l *Listing) ContentHash() ([32]byte, error) {
	enc, err := rlp.EncodeToBytes(struct {
		Kind        uint8
		Title       string
		Description string
		Category    string
		Price       *big.Int
		SellerKey   []byte
		CreatedAt   uint64
	}{uint8(KindListing), l.Title, l.Description, l.Category, l.Price, l.SellerKey, l.CreatedAt})
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(enc), nil
}

func (r *BuyRequest) ContentHash() ([32]byte, error) {
	enc, err := rlp.EncodeToBytes(struct {
		Kind      uint8
		ListingID [32]byte
		BuyerKey  []byte
		Status    uint8
		CreatedAt uint64
	}{uint8(KindBuyRequest), r.ListingID, r.BuyerKey, uint8(r.Status), r.CreatedAt})
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(enc), nil
}

func (a *BuyAccept) ContentHash() ([32]byte, error) {
	enc, err := rlp.EncodeToBytes(struct {
		Kind          uint8
		ListingID     [32]byte
		BuyRequestID  [32]byte
		EscrowAddress string
		FundingTx     []byte
		SellerKey     []byte
		CreatedAt     uint64
	}{uint8(KindBuyAccept), a.ListingID, a.BuyRequestID, a.EscrowAddress, a.FundingTx, a.SellerKey, a.CreatedAt})
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(enc), nil
}

func (r *BuyReject) ContentHash() ([32]byte, error) {
	enc, err := rlp.EncodeToBytes(struct {
		Kind         uint8
		ListingID    [32]byte
		BuyRequestID [32]byte
		SellerKey    []byte
		CreatedAt    uint64
	}{uint8(KindBuyReject), r.ListingID, r.BuyRequestID, r.SellerKey, r.CreatedAt})
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(enc), nil
}

// Sign sanitizes the object, derives its content-hash id and attaches a
// recoverable secp256k1 signature over that id. The embedded role key must
// belong to the signing key.
func Sign(obj Object, key *crypto.PrivateKey) error {
	if obj == nil {
		return errNil("object")
	}
	if key == nil {
		return fmt.Errorf("market: nil signing key")
	}
	if err := obj.Sanitize(); err != nil {
		return err
	}
	if !bytes.Equal(obj.signerKey(), key.PubKey().Compressed()) {
		return fmt.Errorf("market: signing key does not match embedded role key")
	}
	hash, err := obj.ContentHash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash[:], key.PrivateKey)
	if err != nil {
		return err
	}
	obj.setObjectID(hash)
	obj.setSignature(sig)
	return nil
}

// Verify checks structural validity, that the id equals the content hash, and
// that the signature recovers to the embedded role key (seller key for
// Listing/BuyAccept/BuyReject, buyer key for BuyRequest). Objects failing
// verification must be dropped before touching any registry.
func Verify(obj Object) error {
	if obj == nil {
		return errNil("object")
	}
	if err := obj.Sanitize(); err != nil {
		return err
	}
	hash, err := obj.ContentHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if obj.objectID() != hash {
		return malformed("id does not match content hash")
	}
	sig := obj.signature()
	if len(sig) != signatureLen {
		return fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(ethcrypto.CompressPubkey(pub), obj.signerKey()) {
		return fmt.Errorf("%w: signer does not match role key", ErrInvalidSignature)
	}
	return nil
}

// EncodeObject serialises a signed object into the versioned wire envelope:
// version byte, kind byte, RLP payload.
func EncodeObject(obj Object) ([]byte, error) {
	if obj == nil {
		return nil, errNil("object")
	}
	payload, err := rlp.EncodeToBytes(obj)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, wireVersion, byte(obj.Kind()))
	return append(out, payload...), nil
}

// DecodeObject parses the versioned wire envelope back into a typed object.
// Unknown versions or kinds are malformed; the caller still has to Verify the
// result before applying it.
func DecodeObject(data []byte) (Object, error) {
	if len(data) < 2 {
		return nil, malformed("truncated envelope")
	}
	if data[0] != wireVersion {
		return nil, malformed(fmt.Sprintf("unsupported wire version 0x%02x", data[0]))
	}
	kind := ObjectKind(data[1])
	payload := data[2:]

	var obj Object
	switch kind {
	case KindListing:
		obj = new(Listing)
	case KindBuyRequest:
		obj = new(BuyRequest)
	case KindBuyAccept:
		obj = new(BuyAccept)
	case KindBuyReject:
		obj = new(BuyReject)
	default:
		return nil, malformed(fmt.Sprintf("unknown object kind 0x%02x", data[1]))
	}
	if err := rlp.DecodeBytes(payload, obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	return obj, nil
}
