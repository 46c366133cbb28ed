package deployer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"lendctl/errs"
)

// ProxyContract is the artifact name of the proxy.
const ProxyContract = "TransparentUpgradeableProxy"

// Slot suffixes used by EnsureUpgradeable.
const (
	ImplSuffix  = "Impl"
	ProxySuffix = "Proxy"
)

// EnsureProxy returns the proxy in slot, creating
// TransparentUpgradeableProxy(implementation, admin, init) when the slot is
// empty. The proxy constructor delegates init to the implementation, so the
// proxy is initialised by the time it is recorded.
//
// The implementation must be recorded in the registry and carry code.
func (d *Deployer) EnsureProxy(ctx context.Context, slot string, implementation, admin common.Address, init *Call) (common.Address, error) {
	if addr, ok := d.registry.Get(slot); ok {
		d.skip(slot, ProxyContract, addr)
		return addr, nil
	}
	if d.opts.DryRun {
		return d.planned(slot, ProxyContract)
	}
	if admin == (common.Address{}) {
		return common.Address{}, errs.Configuration(deployStep, slot, "proxy admin address required")
	}
	if implementation == (common.Address{}) {
		return common.Address{}, errs.Precondition(deployStep, slot, "implementation address is zero")
	}
	if !d.registry.Contains(implementation) {
		return common.Address{}, errs.Precondition(deployStep, slot, "implementation %s is not recorded in the registry", implementation.Hex())
	}
	code, err := d.client.CodeAt(ctx, implementation)
	if err != nil {
		return common.Address{}, errs.Rejection(deployStep, slot, err)
	}
	if len(code) == 0 {
		return common.Address{}, errs.Precondition(deployStep, slot, "implementation %s has no code", implementation.Hex())
	}

	artifact, err := d.artifacts.Resolve(ProxyContract)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	initData, err := init.Encode()
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	data, err := artifact.DeployData(implementation, admin, initData)
	if err != nil {
		return common.Address{}, errs.Wrap(errs.ErrConfiguration, deployStep, slot, err)
	}
	return d.create(ctx, slot, ProxyContract, data, nil, nil)
}

// EnsureUpgradeable provisions <name>Impl and <name>Proxy. init runs
// directly on the implementation, locking it, and again through the proxy
// constructor. It returns the proxy address.
func (d *Deployer) EnsureUpgradeable(ctx context.Context, name, contract string, admin common.Address, init *Call) (common.Address, error) {
	impl, err := d.EnsureDeployed(ctx, name+ImplSuffix, contract, nil, init)
	if err != nil && !(d.opts.DryRun && errors.Is(err, errs.ErrNotProvisioned)) {
		return common.Address{}, err
	}
	return d.EnsureProxy(ctx, name+ProxySuffix, impl, admin, init)
}
