package chain

import (
	"context"
	"errors"
	"math/big"
)

// ErrTxNotFound is returned when the chain has no record of a transaction.
// The issued action stays issued so the agent can retry once the transaction
// lands (or re-broadcast).
var ErrTxNotFound = errors.New("chain: transaction not found")

// Tx is the subset of an on-chain transaction the coordinator validates.
// Addresses are normalized to lowercase 0x hex.
type Tx struct {
	Hash     string
	From     string
	To       string
	ValueWei *big.Int
	Input    string
}

// Receipt is the subset of a transaction receipt the coordinator validates.
type Receipt struct {
	TxHash          string
	Success         bool
	ContractAddress string
}

// Reader reads transaction state from the chain. Implementations must apply
// their own timeout; calls happen inside request handlers.
type Reader interface {
	TransactionByHash(ctx context.Context, txHash string) (*Tx, error)
	ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error)
}

// Broadcaster submits platform-signed value transfers: gas grants at issue
// time and settlement payouts. Key custody lives outside this service.
type Broadcaster interface {
	Transfer(ctx context.Context, to string, amountWei *big.Int) (txHash string, err error)
}
