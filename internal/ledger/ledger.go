// Package ledger defines the contract between the transaction executor and a
// remote ledger gateway. Amounts are integral minor units (wei for EVM chains).
package ledger

import (
	"math/big"
)

// TxIntent describes a value transfer before it is signed.
type TxIntent struct {
	From     string
	To       string
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Data     []byte
}

// SignedTx is a signed, serialized transaction ready for broadcast.
type SignedTx struct {
	Hash string
	Raw  []byte
}

// PendingTx is the handle returned once a node accepted a transaction.
type PendingTx struct {
	Hash string
}

// Receipt is the ledger's confirmation for a mined transaction.
type Receipt struct {
	Hash        string
	Success     bool
	BlockNumber uint64
}
