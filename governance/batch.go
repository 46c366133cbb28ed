// Package governance accumulates parameter changes that need timelock
// authority and submits them as one atomic executeTransactions call.
package governance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendctl/chain"
	"lendctl/errs"
)

// ExecuteSignature is the timelock entry point receiving a batch.
const ExecuteSignature = "executeTransactions(address[],uint256[],string[],bytes[])"

// ErrArgTypes is returned when declared argument types disagree with the
// signature.
var ErrArgTypes = errors.New("governance: argument types do not match signature")

// Action is one queued call. Calldata is the ABI encoding of the arguments
// without the 4-byte selector; the timelock derives it from Signature.
type Action struct {
	Target    common.Address
	Value     *big.Int
	Signature string
	Calldata  []byte
	// Types and Args keep the canonical input types and unencoded
	// arguments for reporting and re-queueing.
	Types []string
	Args  []any
}

// Batch is an ordered list of pending actions.
type Batch struct {
	actions []Action
}

// NewAction encodes args against signature.
func NewAction(target common.Address, value *big.Int, signature string, args ...any) (Action, error) {
	fn, err := chain.Func(signature, "")
	if err != nil {
		return Action{}, err
	}
	packed, err := fn.Args.Pack(args...)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s: %w", signature, err)
	}
	argTypes, err := chain.ArgTypes(signature)
	if err != nil {
		return Action{}, err
	}
	if value == nil {
		value = new(big.Int)
	}
	return Action{
		Target:    target,
		Value:     new(big.Int).Set(value),
		Signature: fn.Signature,
		Calldata:  packed,
		Types:     argTypes,
		Args:      args,
	}, nil
}

// Append encodes argValues against argTypes and queues the call. argTypes
// must equal the canonical input types of signature.
func (b *Batch) Append(target common.Address, value *big.Int, signature string, argTypes []string, argValues []any) error {
	want, err := chain.ArgTypes(signature)
	if err != nil {
		return err
	}
	if len(want) != len(argTypes) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d types", ErrArgTypes, signature, len(want), len(argTypes))
	}
	for i := range want {
		got, err := chain.CanonicalType(argTypes[i])
		if err != nil {
			return fmt.Errorf("%w: %s argument %d: %v", ErrArgTypes, signature, i, err)
		}
		if got != want[i] {
			return fmt.Errorf("%w: %s argument %d is %s, declared %s", ErrArgTypes, signature, i, want[i], argTypes[i])
		}
	}
	if len(argValues) != len(argTypes) {
		return fmt.Errorf("%w: %s has %d types but %d values", ErrArgTypes, signature, len(argTypes), len(argValues))
	}
	action, err := NewAction(target, value, signature, argValues...)
	if err != nil {
		return err
	}
	b.actions = append(b.actions, action)
	return nil
}

// Add queues an already encoded action.
func (b *Batch) Add(action Action) {
	b.actions = append(b.actions, action)
}

// Len is the number of queued actions.
func (b *Batch) Len() int { return len(b.actions) }

// Actions returns a copy of the queued actions in order.
func (b *Batch) Actions() []Action {
	return append([]Action(nil), b.actions...)
}

// Reset drops every queued action.
func (b *Batch) Reset() { b.actions = nil }

// Encode returns the executeTransactions calldata and total value.
func (b *Batch) Encode() ([]byte, *big.Int, error) {
	targets := make([]common.Address, len(b.actions))
	values := make([]*big.Int, len(b.actions))
	signatures := make([]string, len(b.actions))
	calldatas := make([][]byte, len(b.actions))
	total := new(big.Int)
	for i, a := range b.actions {
		targets[i] = a.Target
		values[i] = a.Value
		signatures[i] = a.Signature
		calldatas[i] = a.Calldata
		total.Add(total, a.Value)
	}
	data, err := chain.Encode(ExecuteSignature, targets, values, signatures, calldatas)
	if err != nil {
		return nil, nil, err
	}
	return data, total, nil
}

// Submit sends the batch to timelock as one transaction. An empty batch
// sends nothing and returns a nil receipt. On success the batch is cleared;
// on failure it is left intact and the error is a single chain rejection
// for the whole batch.
func (b *Batch) Submit(ctx context.Context, client chain.Client, timelock common.Address) (*types.Receipt, error) {
	if len(b.actions) == 0 {
		return nil, nil
	}
	if timelock == (common.Address{}) {
		return nil, errs.Configuration("governance", "timelock", "timelock address required to submit %d actions", len(b.actions))
	}
	data, total, err := b.Encode()
	if err != nil {
		return nil, err
	}
	receipt, err := client.Send(ctx, timelock, total, data)
	if err != nil {
		return nil, errs.Rejection("governance", fmt.Sprintf("batch of %d", len(b.actions)), err)
	}
	b.Reset()
	return receipt, nil
}

// Report renders the queued actions one per line.
func (b *Batch) Report() string {
	var sb strings.Builder
	for i, a := range b.actions {
		fmt.Fprintf(&sb, "%d. %s %s(%s)", i+1, a.Target.Hex(), methodName(a.Signature), formatArgs(a.Args))
		if a.Value != nil && a.Value.Sign() > 0 {
			fmt.Fprintf(&sb, " value=%s", a.Value)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func methodName(signature string) string {
	if i := strings.IndexByte(signature, '('); i >= 0 {
		return signature[:i]
	}
	return signature
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case common.Address:
			parts[i] = v.Hex()
		case []common.Address:
			items := make([]string, len(v))
			for j, a := range v {
				items[j] = a.Hex()
			}
			parts[i] = "[" + strings.Join(items, ",") + "]"
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ", ")
}
