// Package ethereum implements the ledger gateway over an EVM JSON-RPC endpoint.
// Transactions are signed locally with a single configured key; the client
// never retries, callers own retry and compensation policy.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cimillas/chain-trade/internal/ledger"
)

const defaultPollInterval = 2 * time.Second

// Backend is the subset of ethclient.Client the gateway relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is a ledger gateway bound to one signing account.
type Client struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	signer       types.Signer
	pollInterval time.Duration
	callTimeout  time.Duration
	close        func()
}

type Option func(*Client)

// WithPollInterval overrides how often AwaitReceipt asks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithCallTimeout bounds each individual RPC call. Zero leaves calls bounded
// only by the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Dial connects to rpcURL and binds the client to the hex-encoded signing key.
func Dial(ctx context.Context, rpcURL, signingKey string, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	c, err := New(ctx, ec, signingKey, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.close = ec.Close
	return c, nil
}

// New builds a client over an existing backend. The chain id is fetched once.
func New(ctx context.Context, backend Backend, signingKey string, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signingKey), "0x"))
	if err != nil {
		// The parse error can echo key material; keep it out of the chain.
		return nil, errors.New("invalid signing key")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chain_id", err)
	}

	c := &Client{
		backend:      backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the RPC connection when the client owns it.
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

// Address returns the checksummed address of the signing account.
func (c *Client) Address() string {
	return c.from.Hex()
}

func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, &ledger.Error{Op: "balance", Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed,
			Err: fmt.Errorf("invalid address %q", address)}
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	bal, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, classify("balance", err)
	}
	return bal, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("gas_price", err)
	}
	return price, nil
}

func (c *Client) EstimateGas(ctx context.Context, intent ledger.TxIntent) (uint64, error) {
	to, err := parseTo("estimate_gas", intent.To)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.from,
		To:       &to,
		GasPrice: intent.GasPrice,
		Value:    intent.Value,
		Data:     intent.Data,
	})
	if err != nil {
		return 0, classify("estimate_gas", err)
	}
	return gas, nil
}

// Sign builds a legacy transaction for intent using the pending nonce of the
// signing account and signs it for the client's chain.
func (c *Client) Sign(ctx context.Context, intent ledger.TxIntent) (ledger.SignedTx, error) {
	if intent.From != "" && !strings.EqualFold(intent.From, c.from.Hex()) {
		return ledger.SignedTx{}, &ledger.Error{Op: "sign", Kind: ledger.KindPermanent, Reason: ledger.ReasonSignature,
			Err: fmt.Errorf("sender %s is not the signing account", intent.From)}
	}
	to, err := parseTo("sign", intent.To)
	if err != nil {
		return ledger.SignedTx{}, err
	}
	if intent.Value == nil || intent.Value.Sign() < 0 || intent.GasPrice == nil || intent.GasLimit == 0 {
		return ledger.SignedTx{}, &ledger.Error{Op: "sign", Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed,
			Err: errors.New("value, gas price and gas limit are required")}
	}

	nonceCtx, cancel := c.callContext(ctx)
	nonce, err := c.backend.PendingNonceAt(nonceCtx, c.from)
	cancel()
	if err != nil {
		return ledger.SignedTx{}, classify("nonce", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: intent.GasPrice,
		Gas:      intent.GasLimit,
		To:       &to,
		Value:    intent.Value,
		Data:     intent.Data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return ledger.SignedTx{}, &ledger.Error{Op: "sign", Kind: ledger.KindPermanent, Reason: ledger.ReasonSignature, Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return ledger.SignedTx{}, &ledger.Error{Op: "sign", Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed, Err: err}
	}
	return ledger.SignedTx{Hash: signed.Hash().Hex(), Raw: raw}, nil
}

func (c *Client) Broadcast(ctx context.Context, signed ledger.SignedTx) (ledger.PendingTx, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return ledger.PendingTx{}, &ledger.Error{Op: "broadcast", Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed, Err: err}
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return ledger.PendingTx{}, classify("broadcast", err)
	}
	return ledger.PendingTx{Hash: tx.Hash().Hex()}, nil
}

// AwaitReceipt polls until the transaction is mined or ctx is done. The
// caller bounds the wait through ctx.
func (c *Client) AwaitReceipt(ctx context.Context, pending ledger.PendingTx) (ledger.Receipt, error) {
	hash := common.HexToHash(pending.Hash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		callCtx, cancel := c.callContext(ctx)
		rcpt, err := c.backend.TransactionReceipt(callCtx, hash)
		cancel()
		switch {
		case err == nil:
			out := ledger.Receipt{
				Hash:    hash.Hex(),
				Success: rcpt.Status == types.ReceiptStatusSuccessful,
			}
			if rcpt.BlockNumber != nil {
				out.BlockNumber = rcpt.BlockNumber.Uint64()
			}
			return out, nil
		case !errors.Is(err, ethereum.NotFound):
			// A transient poll failure is retried on the next tick while the
			// overall wait still has time left.
			if cerr := classify("receipt", err); !ledger.IsTransient(cerr) || ctx.Err() != nil {
				return ledger.Receipt{}, cerr
			}
		}

		select {
		case <-ctx.Done():
			return ledger.Receipt{}, &ledger.Error{Op: "receipt", Kind: ledger.KindTransient, Reason: ledger.ReasonTimeout, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func parseTo(op, to string) (common.Address, error) {
	if !common.IsHexAddress(to) {
		return common.Address{}, &ledger.Error{Op: op, Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed,
			Err: fmt.Errorf("invalid destination %q", to)}
	}
	return common.HexToAddress(to), nil
}
