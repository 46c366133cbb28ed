package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract binds a named address to signature-based read and write helpers.
type Contract struct {
	Name    string
	Address common.Address
	client  Client
}

// Bind returns a handle for the contract at addr.
func Bind(client Client, name string, addr common.Address) *Contract {
	return &Contract{Name: name, Address: addr, client: client}
}

// Read performs a read-only call and returns the decoded outputs.
func (c *Contract) Read(ctx context.Context, signature, returns string, args ...any) ([]any, error) {
	data, err := Encode(signature, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.client.Call(ctx, c.Address, data)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", c.Name, signature, err)
	}
	values, err := Decode(signature, returns, out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}
	return values, nil
}

// ReadBig reads a single uint256/int256 output.
func (c *Contract) ReadBig(ctx context.Context, signature string, args ...any) (*big.Int, error) {
	values, err := c.Read(ctx, signature, "uint256", args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s.%s: unexpected output %T", c.Name, signature, values[0])
	}
	return v, nil
}

// ReadAddress reads a single address output.
func (c *Contract) ReadAddress(ctx context.Context, signature string, args ...any) (common.Address, error) {
	values, err := c.Read(ctx, signature, "address", args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s.%s: unexpected output %T", c.Name, signature, values[0])
	}
	return v, nil
}

// ReadBool reads a single bool output.
func (c *Contract) ReadBool(ctx context.Context, signature string, args ...any) (bool, error) {
	values, err := c.Read(ctx, signature, "bool", args...)
	if err != nil {
		return false, err
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s.%s: unexpected output %T", c.Name, signature, values[0])
	}
	return v, nil
}

// Write sends a state-changing call and waits for confirmation.
func (c *Contract) Write(ctx context.Context, signature string, args ...any) (*types.Receipt, error) {
	data, err := Encode(signature, args...)
	if err != nil {
		return nil, err
	}
	return c.client.Send(ctx, c.Address, nil, data)
}
