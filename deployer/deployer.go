// Package deployer provisions contracts at most once per registry slot.
package deployer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendctl/artifacts"
	"lendctl/chain"
	"lendctl/errs"
	"lendctl/registry"
)

// Step outcomes.
const (
	OutcomeDeployed    = "deployed"
	OutcomeSkipped     = "skipped"
	OutcomeWouldDeploy = "would deploy"
)

const deployStep = "deploy"

// Call is an initializer invocation.
type Call struct {
	Signature string
	Args      []any
}

// Encode returns the selector-prefixed calldata of c. A nil call encodes
// to empty data.
func (c *Call) Encode() ([]byte, error) {
	if c == nil {
		return []byte{}, nil
	}
	return chain.Encode(c.Signature, c.Args...)
}

// Step is reported for every slot the deployer examines.
type Step struct {
	Slot     string
	Contract string
	Outcome  string
	Address  common.Address
	TxHash   common.Hash
}

// Options configures a Deployer.
type Options struct {
	DryRun bool
	Logger *slog.Logger
	OnStep func(Step)
}

// Deployer creates contracts and records them in the registry.
type Deployer struct {
	client    chain.Client
	registry  *registry.Registry
	artifacts artifacts.Resolver
	opts      Options
	logger    *slog.Logger
}

// New returns a Deployer.
func New(client chain.Client, reg *registry.Registry, resolver artifacts.Resolver, opts Options) *Deployer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		client:    client,
		registry:  reg,
		artifacts: resolver,
		opts:      opts,
		logger:    logger.With("component", "deployer", "network", reg.Network()),
	}
}

// Registry returns the registry the deployer writes to.
func (d *Deployer) Registry() *registry.Registry { return d.registry }

// Bind returns a contract handle for a filled slot.
func (d *Deployer) Bind(step, slot string) (*chain.Contract, error) {
	addr, err := d.registry.Lookup(step, slot)
	if err != nil {
		return nil, err
	}
	return chain.Bind(d.client, slot, addr), nil
}

// CoerceArgs converts plan strings into the constructor arguments of
// contract.
func (d *Deployer) CoerceArgs(contract string, raw []string) ([]any, error) {
	artifact, err := d.artifacts.Resolve(contract)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, deployStep, contract, err)
	}
	args, err := artifacts.CoerceArgs(artifact.Constructor(), raw)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, deployStep, contract, err)
	}
	return args, nil
}

// EnsureDeployed returns the address in slot, deploying contract there when
// the slot is empty. The slot is written only after the creation and the
// optional initializer have both confirmed; if either fails the slot stays
// empty and a re-run deploys afresh.
func (d *Deployer) EnsureDeployed(ctx context.Context, slot, contract string, ctorArgs []any, init *Call) (common.Address, error) {
	if addr, ok := d.registry.Get(slot); ok {
		d.skip(slot, contract, addr)
		return addr, nil
	}
	if d.opts.DryRun {
		return d.planned(slot, contract)
	}

	artifact, err := d.artifacts.Resolve(contract)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	data, err := artifact.DeployData(ctorArgs...)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	initData, err := init.Encode()
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	return d.create(ctx, slot, contract, data, init, initData)
}

func (d *Deployer) create(ctx context.Context, slot, contract string, data []byte, init *Call, initData []byte) (common.Address, error) {
	d.logger.Info("deploying contract", slog.String("slot", slot), slog.String("contract", contract))
	addr, receipt, err := d.client.Deploy(ctx, data)
	if err != nil {
		return common.Address{}, errs.Rejection(deployStep, slot, err)
	}
	if init != nil {
		if _, err := d.client.Send(ctx, addr, nil, initData); err != nil {
			d.logger.Warn("initializer failed, slot left empty",
				slog.String("slot", slot),
				slog.String("address", addr.Hex()),
				slog.String("initializer", init.Signature),
				slog.Any("error", err))
			return common.Address{}, errs.Rejection(deployStep, slot+" "+init.Signature, err)
		}
	}
	if err := d.registry.Set(slot, addr); err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, fmt.Errorf("record %s: %w", addr.Hex(), err))
	}
	d.logger.Info("contract deployed",
		slog.String("slot", slot),
		slog.String("contract", contract),
		slog.String("address", addr.Hex()),
		slog.String("tx", receiptHash(receipt).Hex()))
	d.report(Step{Slot: slot, Contract: contract, Outcome: OutcomeDeployed, Address: addr, TxHash: receiptHash(receipt)})
	return addr, nil
}

func (d *Deployer) skip(slot, contract string, addr common.Address) {
	d.logger.Debug("slot already filled", slog.String("slot", slot), slog.String("address", addr.Hex()))
	d.report(Step{Slot: slot, Contract: contract, Outcome: OutcomeSkipped, Address: addr})
}

func (d *Deployer) planned(slot, contract string) (common.Address, error) {
	d.logger.Info("would deploy", slog.String("slot", slot), slog.String("contract", contract))
	d.report(Step{Slot: slot, Contract: contract, Outcome: OutcomeWouldDeploy})
	return common.Address{}, errs.Wrap(errs.ErrNotProvisioned, deployStep, slot, fmt.Errorf("%s not deployed", contract))
}

func (d *Deployer) report(s Step) {
	if d.opts.OnStep != nil {
		d.opts.OnStep(s)
	}
}

func receiptHash(receipt *types.Receipt) common.Hash {
	if receipt == nil {
		return common.Hash{}
	}
	return receipt.TxHash
}
