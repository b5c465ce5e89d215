package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrInsufficientFunds is returned when the wallet cannot cover the requested
// escrow lock amount.
var ErrInsufficientFunds = errors.New("escrow: insufficient funds")

const lockTxVersion = 1

// lockTx is the serialized shape of the escrow lock transaction. Consumers of
// the BuyAccept treat it as opaque bytes; only the destination and amount are
// meaningful to the market core.
type lockTx struct {
	Version   uint8
	To        string
	Amount    *big.Int
	Nonce     uint64
	CreatedAt uint64
}

// Wallet is an in-process spendable balance that builds escrow lock
// transactions. It implements TxBuilder for the node daemon and tests; a
// deployment backed by a real chain wallet supplies its own TxBuilder.
type Wallet struct {
	mu      sync.Mutex
	balance *big.Int
	nonce   uint64
	nowFn   func() uint64
}

// NewWallet creates a wallet holding the given spendable balance in minor
// units.
func NewWallet(balance *big.Int) *Wallet {
	w := &Wallet{
		balance: big.NewInt(0),
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
	if balance != nil && balance.Sign() > 0 {
		w.balance = new(big.Int).Set(balance)
	}
	return w
}

// SetNowFunc overrides the time source, primarily used in tests.
func (w *Wallet) SetNowFunc(now func() uint64) {
	if now == nil {
		return
	}
	w.mu.Lock()
	w.nowFn = now
	w.mu.Unlock()
}

// Credit adds spendable funds.
func (w *Wallet) Credit(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	w.mu.Lock()
	w.balance.Add(w.balance, amount)
	w.mu.Unlock()
}

// Balance returns the current spendable balance.
func (w *Wallet) Balance() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.balance)
}

// BuildFunding debits the wallet and returns a serialized lock transaction
// paying the full amount to the escrow destination.
func (w *Wallet) BuildFunding(ctx context.Context, destination string, amount *big.Int) (FundingTx, error) {
	if err := ctx.Err(); err != nil {
		return FundingTx{}, err
	}
	if destination == "" {
		return FundingTx{}, fmt.Errorf("escrow: empty destination")
	}
	if amount == nil || amount.Sign() <= 0 {
		return FundingTx{}, fmt.Errorf("escrow: amount must be positive")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.balance.Cmp(amount) < 0 {
		return FundingTx{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, w.balance, amount)
	}
	w.balance.Sub(w.balance, amount)
	w.nonce++

	raw, err := rlp.EncodeToBytes(lockTx{
		Version:   lockTxVersion,
		To:        destination,
		Amount:    amount,
		Nonce:     w.nonce,
		CreatedAt: w.nowFn(),
	})
	if err != nil {
		return FundingTx{}, err
	}
	return FundingTx{
		Raw:         raw,
		Destination: destination,
		Amount:      new(big.Int).Set(amount),
	}, nil
}
