package ethereum

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cimillas/chain-trade/internal/ledger"
)

// JSON-RPC error codes from EIP-1474 and the JSON-RPC 2.0 spec.
const (
	codeParseError          = -32700
	codeInvalidRequest      = -32600
	codeInvalidParams       = -32602
	codeResourceUnavailable = -32002
	codeLimitExceeded       = -32005
)

// classify turns a backend error into a typed gateway error by inspecting
// error types and codes only.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		netErr  net.Error
		httpErr rpc.HTTPError
		rpcErr  rpc.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonUnavailable, Err: err}
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonTimeout, Err: err}
		}
		return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonUnavailable, Err: err}
	case errors.As(err, &httpErr):
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonUnavailable, Err: err}
		}
		return &ledger.Error{Op: op, Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected, Err: err}
	case errors.As(err, &rpcErr):
		switch rpcErr.ErrorCode() {
		case codeParseError, codeInvalidRequest, codeInvalidParams:
			return &ledger.Error{Op: op, Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed, Err: err}
		case codeResourceUnavailable, codeLimitExceeded:
			return &ledger.Error{Op: op, Kind: ledger.KindTransient, Reason: ledger.ReasonUnavailable, Err: err}
		default:
			return &ledger.Error{Op: op, Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected, Err: err}
		}
	}
	return &ledger.Error{Op: op, Kind: ledger.KindPermanent, Reason: ledger.ReasonUnknown, Err: err}
}
