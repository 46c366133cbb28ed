package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"lendctl/errs"
	"lendctl/observability"
)

const (
	defaultConfirmTimeout = 5 * time.Minute
	defaultPollInterval   = 2 * time.Second
	// gas estimates are padded by 20% before signing.
	gasMarginNumerator   = 12
	gasMarginDenominator = 10
)

// Backend is the subset of the Ethereum JSON-RPC API used by EVM.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Options tunes transaction submission and confirmation.
type Options struct {
	// Confirmations is the number of blocks, including the inclusion block,
	// a receipt must be buried under before it counts as confirmed.
	Confirmations  uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// GasFeeCap and GasTipCap override the node's fee suggestion when set.
	GasFeeCap *big.Int
	GasTipCap *big.Int
	// ReadsPerSecond throttles read-only calls; zero disables throttling.
	ReadsPerSecond float64
	Logger         *slog.Logger
	Metrics        *observability.DeployMetrics
}

// EVM submits EIP-1559 transactions signed by a single key. Sends are
// serialised so nonces are assigned in submission order.
type EVM struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	mu        sync.Mutex
	nonce     uint64
	haveNonce bool
}

// Dial connects to rpcURL and returns an EVM client signing with key.
func Dial(rpcURL string, key *ecdsa.PrivateKey, opts Options) (*EVM, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, nil, errs.Configuration("dial", "rpc", "rpc url required")
	}
	backend, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	client, err := NewEVM(backend, key, opts)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return client, backend, nil
}

// NewEVM wraps an existing backend.
func NewEVM(backend Backend, key *ecdsa.PrivateKey, opts Options) (*EVM, error) {
	if backend == nil {
		return nil, errors.New("chain: backend required")
	}
	if key == nil {
		return nil, errs.Configuration("signer", "key", "private key required")
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &EVM{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		opts:    opts,
		logger:  logger.With(slog.String("component", "chain")),
	}
	if opts.ReadsPerSecond > 0 {
		burst := int(opts.ReadsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.ReadsPerSecond), burst)
	}
	return e, nil
}

// Sender returns the signing address.
func (e *EVM) Sender() common.Address { return e.from }

// NetworkID returns the chain id reported by the node. Only a successful
// answer is cached; a failed fetch is retried on the next call.
func (e *EVM) NetworkID(ctx context.Context) (*big.Int, error) {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()
	if e.chainID == nil {
		id, err := e.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		if id == nil {
			return nil, fmt.Errorf("fetch chain id: empty answer")
		}
		e.chainID = id
	}
	return new(big.Int).Set(e.chainID), nil
}

// Call executes a read-only call against the latest block.
func (e *EVM) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	e.opts.Metrics.RecordRead()
	msg := ethereum.CallMsg{From: e.from, To: &to, Data: data}
	return e.backend.CallContract(ctx, msg, nil)
}

// CodeAt returns the runtime bytecode at addr.
func (e *EVM) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return e.backend.CodeAt(ctx, addr, nil)
}

// Deploy submits a contract creation transaction and returns the new address.
func (e *EVM) Deploy(ctx context.Context, data []byte) (common.Address, *types.Receipt, error) {
	receipt, nonce, err := e.submit(ctx, "deploy", nil, nil, data)
	if err != nil {
		return common.Address{}, receipt, err
	}
	addr := receipt.ContractAddress
	if addr == (common.Address{}) {
		addr = crypto.CreateAddress(e.from, nonce)
	}
	return addr, receipt, nil
}

// Send submits a call transaction to `to`.
func (e *EVM) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	receipt, _, err := e.submit(ctx, "send", &to, value, data)
	return receipt, err
}

func (e *EVM) submit(ctx context.Context, kind string, to *common.Address, value *big.Int, data []byte) (*types.Receipt, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, nonce, err := e.submitLocked(ctx, to, value, data)
	e.opts.Metrics.RecordTx(kind, err)
	if err != nil {
		// the node is the source of truth again after any failure.
		e.haveNonce = false
		return receipt, nonce, errs.Rejection(kind, targetLabel(to), err)
	}
	e.nonce = nonce + 1
	e.haveNonce = true
	return receipt, nonce, nil
}

func (e *EVM) submitLocked(ctx context.Context, to *common.Address, value *big.Int, data []byte) (*types.Receipt, uint64, error) {
	chainID, err := e.NetworkID(ctx)
	if err != nil {
		return nil, 0, err
	}
	nonce := e.nonce
	if !e.haveNonce {
		nonce, err = e.backend.PendingNonceAt(ctx, e.from)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch nonce: %w", err)
		}
	}
	if value == nil {
		value = new(big.Int)
	}
	tipCap, feeCap, err := e.fees(ctx)
	if err != nil {
		return nil, nonce, err
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      e.from,
		To:        to,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, nonce, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * gasMarginNumerator / gasMarginDenominator

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), e.key)
	if err != nil {
		return nil, nonce, fmt.Errorf("sign tx: %w", err)
	}
	started := time.Now()
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, nonce, fmt.Errorf("send tx: %w", err)
	}
	e.logger.Debug("transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", targetLabel(to)),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas))

	receipt, err := e.waitConfirmed(ctx, signed.Hash())
	if err != nil {
		return receipt, nonce, err
	}
	e.opts.Metrics.ObserveConfirmation(time.Since(started))
	return receipt, nonce, nil
}

func (e *EVM) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap := e.opts.GasTipCap
	if tipCap == nil {
		suggested, err := e.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("suggest tip: %w", err)
		}
		tipCap = suggested
	}
	feeCap := e.opts.GasFeeCap
	if feeCap == nil {
		head, err := e.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch head: %w", err)
		}
		base := new(big.Int)
		if head != nil && head.BaseFee != nil {
			base.Set(head.BaseFee)
		}
		// 2*baseFee + tip leaves room for several full blocks of base fee growth.
		feeCap = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tipCap)
	}
	if feeCap.Cmp(tipCap) < 0 {
		feeCap = new(big.Int).Set(tipCap)
	}
	return tipCap, feeCap, nil
}

// waitConfirmed polls for the receipt of hash and for the configured
// confirmation depth, whichever takes longer, bounded by ConfirmTimeout.
func (e *EVM) waitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := e.backend.TransactionReceipt(ctx, hash)
			switch {
			case err == nil && r != nil:
				receipt = r
				if receipt.Status != types.ReceiptStatusSuccessful {
					return receipt, fmt.Errorf("transaction %s reverted", hash.Hex())
				}
			case err != nil && !errors.Is(err, ethereum.NotFound):
				return nil, fmt.Errorf("fetch receipt: %w", err)
			}
		}
		if receipt != nil {
			done, err := e.confirmed(ctx, receipt)
			if err != nil {
				return receipt, err
			}
			if done {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return receipt, fmt.Errorf("transaction %s not confirmed: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *EVM) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if e.opts.Confirmations <= 1 {
		return true, nil
	}
	header, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, errors.New("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(e.opts.Confirmations)) >= 0, nil
}

func targetLabel(to *common.Address) string {
	if to == nil {
		return "create"
	}
	return to.Hex()
}
