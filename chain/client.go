// Package chain holds the active network, the signing identity and the
// means to submit, confirm and read transactions.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the ledger surface consumed by the engine. Deploy and Send
// block until the transaction is confirmed; a reverted or unconfirmed
// transaction is returned as an error matching errs.ErrChainRejection.
type Client interface {
	NetworkID(ctx context.Context) (*big.Int, error)
	Sender() common.Address
	Deploy(ctx context.Context, data []byte) (common.Address, *types.Receipt, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}
