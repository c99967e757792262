// Package chain defines the transaction submission contract the rebalancer
// consumes. The signer, nonce management, and receipt monitoring live behind
// the Service interface; the engine only sees requests going in and observed
// receipts coming back.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxRequest describes a transaction to submit on a specific chain.
type TxRequest struct {
	ChainID uint64         `json:"chainId"`
	To      common.Address `json:"to"`
	From    common.Address `json:"from"`
	Data    []byte         `json:"data"`
	Value   *big.Int       `json:"value"`
	// FuncSig is an optional human-readable selector used for logging and
	// operator tooling; it carries no execution semantics.
	FuncSig string `json:"funcSig,omitempty"`
}

// Receipt is the observed outcome of a submitted transaction.
type Receipt struct {
	TxHash            common.Hash     `json:"transactionHash"`
	BlockNumber       uint64          `json:"blockNumber"`
	Status            uint64          `json:"status"`
	Logs              []*gethtypes.Log `json:"logs,omitempty"`
	CumulativeGasUsed uint64          `json:"cumulativeGasUsed"`
	EffectiveGasPrice *big.Int        `json:"effectiveGasPrice,omitempty"`
}

// Successful reports whether the receipt recorded a successful execution.
func (r *Receipt) Successful() bool {
	return r != nil && r.Status == gethtypes.ReceiptStatusSuccessful
}

// Service submits transactions and waits for their receipts. SubmitAndMonitor
// returns only once the receipt has been observed on the target chain; the
// implementation may poll or subscribe. Implementations must honour context
// cancellation.
type Service interface {
	SubmitAndMonitor(ctx context.Context, tx TxRequest) (*Receipt, error)
}

// ServiceFunc adapts a plain function to Service. The daemon wires an
// erroring stub here until a transaction submitter is integrated.
type ServiceFunc func(ctx context.Context, tx TxRequest) (*Receipt, error)

// SubmitAndMonitor implements Service.
func (f ServiceFunc) SubmitAndMonitor(ctx context.Context, tx TxRequest) (*Receipt, error) {
	return f(ctx, tx)
}

// ReceiptMap stores submitted receipts keyed by chain id. It is persisted as
// an opaque JSON document; the engine never parses logs beyond what bridge
// adapters return.
type ReceiptMap map[uint64]*Receipt

// Merge returns a copy of the map with the receipt recorded under chainID.
func (m ReceiptMap) Merge(chainID uint64, receipt *Receipt) ReceiptMap {
	out := make(ReceiptMap, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[chainID] = receipt
	return out
}

// MarshalJSON encodes chain ids as decimal strings so the document round-trips
// through JSON object keys.
func (m ReceiptMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]*Receipt, len(m))
	for chainID, receipt := range m {
		out[fmt.Sprintf("%d", chainID)] = receipt
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the string-keyed document back into uint64 keys.
func (m *ReceiptMap) UnmarshalJSON(data []byte) error {
	raw := map[string]*Receipt{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ReceiptMap, len(raw))
	for key, receipt := range raw {
		var chainID uint64
		if _, err := fmt.Sscanf(key, "%d", &chainID); err != nil {
			return fmt.Errorf("chain: parse receipt key %q: %w", key, err)
		}
		out[chainID] = receipt
	}
	*m = out
	return nil
}
