package sequencer

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"lendctl/chain"
	"lendctl/deployer"
	"lendctl/errs"
	"lendctl/plan"
	"lendctl/reconcile"
)

const addMarketSignature = "_addMarket(address,uint256,uint256,uint256,uint256,uint256)"

func proxySlot(name string) string { return name + deployer.ProxySuffix }

func implSlot(name string) string { return name + deployer.ImplSuffix }

func (s *Sequencer) reservedSlots() map[string]struct{} {
	reserved := map[string]struct{}{SlotProxyAdmin: {}, SlotOracle: {}}
	for _, name := range []string{SlotController, SlotRewardDistributor, SlotMSDController} {
		reserved[implSlot(name)] = struct{}{}
		reserved[proxySlot(name)] = struct{}{}
	}
	for _, kind := range []string{plan.KindIToken, plan.KindIETH, plan.KindIMSD} {
		reserved[implSlot(kind)] = struct{}{}
	}
	return reserved
}

func (s *Sequencer) preflight(ctx context.Context) error {
	network := s.plan.Network
	if s.registry.Network() != network.Name {
		return errs.Configuration(string(PhasePreflight), "registry",
			"registry belongs to %s, plan targets %s", s.registry.Network(), network.Name)
	}
	reserved := s.reservedSlots()
	for name := range s.plan.InterestModels {
		if _, clash := reserved[name]; clash {
			return errs.Configuration(string(PhasePreflight), name, "interest model name collides with a core slot")
		}
	}
	for _, asset := range s.plan.Assets {
		if _, clash := reserved[asset.Key]; clash {
			return errs.Configuration(string(PhasePreflight), asset.Key, "asset key collides with a core slot")
		}
	}

	id, err := s.client.NetworkID(ctx)
	if err != nil {
		return errs.Rejection(string(PhasePreflight), "chain id", err)
	}
	if id.Cmp(big.NewInt(network.ChainID)) != 0 {
		return errs.Configuration(string(PhasePreflight), "chain id",
			"connected to chain %s but plan %s expects %d", id, network.Name, network.ChainID)
	}
	s.step("chain", OutcomeChecked, "chain id "+id.String(), common.Hash{})

	if timelock := network.Resolved.Timelock; timelock != (common.Address{}) {
		code, err := s.client.CodeAt(ctx, timelock)
		if err != nil {
			return errs.Rejection(string(PhasePreflight), "timelock", err)
		}
		if len(code) == 0 {
			return errs.Precondition(string(PhasePreflight), "timelock", "no contract at %s", timelock.Hex())
		}
		s.step("timelock", OutcomeChecked, timelock.Hex(), common.Hash{})
	}
	s.step("signer", OutcomeChecked, s.client.Sender().Hex(), common.Hash{})
	return nil
}

func (s *Sequencer) core(ctx context.Context) error {
	network := s.plan.Network.Resolved

	admin, err := s.deployer.EnsureDeployed(ctx, SlotProxyAdmin, ContractProxyAdmin, nil, nil)
	if _, err := s.allow(err); err != nil {
		return err
	}
	controller, err := s.deployer.EnsureUpgradeable(ctx, SlotController, ContractController, admin,
		&deployer.Call{Signature: "initialize()"})
	if _, err := s.allow(err); err != nil {
		return err
	}
	_, err = s.deployer.EnsureUpgradeable(ctx, SlotRewardDistributor, ContractRewardDistributor, admin,
		&deployer.Call{Signature: "initialize(address)", Args: []any{controller}})
	if _, err := s.allow(err); err != nil {
		return err
	}
	_, err = s.deployer.EnsureDeployed(ctx, SlotOracle, ContractPriceOracle,
		[]any{network.Poster, network.OracleMaxSwing}, nil)
	if _, err := s.allow(err); err != nil {
		return err
	}

	names := make([]string, 0, len(s.plan.InterestModels))
	for name := range s.plan.InterestModels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		model := s.plan.InterestModels[name]
		args, err := s.deployer.CoerceArgs(model.Contract, model.Args)
		if err != nil {
			return err
		}
		_, err = s.deployer.EnsureDeployed(ctx, name, model.Contract, args, nil)
		if _, err := s.allow(err); err != nil {
			return err
		}
	}

	if s.plan.HasKind(plan.KindIMSD) {
		_, err = s.deployer.EnsureUpgradeable(ctx, SlotMSDController, ContractMSDController, admin,
			&deployer.Call{Signature: "initialize()"})
		if _, err := s.allow(err); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) controller(ctx context.Context) error {
	ctrl, ok, err := s.contract(proxySlot(SlotController))
	if err != nil || !ok {
		return err
	}
	oracle, err := s.address(SlotOracle)
	if err != nil {
		return err
	}
	distributor, err := s.address(proxySlot(SlotRewardDistributor))
	if err != nil {
		return err
	}
	network := s.plan.Network.Resolved
	desired := []struct {
		param string
		value any
	}{
		{"priceOracle", oracle},
		{"rewardDistributor", distributor},
		{"closeFactor", network.CloseFactor},
		{"liquidationIncentive", network.LiquidationIncentive},
		{"pauseGuardian", network.PauseGuardian},
	}
	for _, d := range desired {
		if addr, isAddr := d.value.(common.Address); isAddr && addr == (common.Address{}) {
			// only reachable in a dry run
			s.step(ctrl.Name+"."+d.param, OutcomeBlocked, "target not provisioned", common.Hash{})
			continue
		}
		action, err := s.reconciler.Reconcile(ctx, ctrl, d.param, common.Address{}, d.value)
		if err != nil {
			return err
		}
		if err := s.queue(action); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) markets(ctx context.Context) error {
	admin, err := s.address(SlotProxyAdmin)
	if err != nil {
		return err
	}
	controller, err := s.address(proxySlot(SlotController))
	if err != nil {
		return err
	}
	templates := make(map[string]common.Address)
	for i := range s.plan.Assets {
		asset := &s.plan.Assets[i]
		init, err := s.initCall(asset, controller)
		if err != nil {
			return err
		}
		impl, done := templates[asset.Contract]
		if !done {
			impl, err = s.deployer.EnsureDeployed(ctx, implSlot(asset.Contract), asset.Contract, nil, init)
			if _, err := s.allow(err); err != nil {
				return err
			}
			templates[asset.Contract] = impl
		}
		_, err = s.deployer.EnsureProxy(ctx, asset.Key, impl, admin, init)
		ok, err := s.allow(err)
		if err != nil {
			return err
		}
		if ok {
			s.advance(asset.Key, Deployed)
		}
	}
	return nil
}

// initCall is the initializer of a market proxy. The first market of each
// kind also initialises, and thereby locks, that kind's implementation.
func (s *Sequencer) initCall(asset *plan.Asset, controller common.Address) (*deployer.Call, error) {
	model, err := s.address(asset.InterestModel)
	if err != nil {
		return nil, err
	}
	r := asset.Resolved
	switch asset.Contract {
	case plan.KindIToken:
		return &deployer.Call{
			Signature: "initialize(address,string,string,address,address)",
			Args:      []any{r.Underlying, asset.Name, asset.Symbol, controller, model},
		}, nil
	case plan.KindIETH:
		return &deployer.Call{
			Signature: "initialize(string,string,address,address)",
			Args:      []any{asset.Name, asset.Symbol, controller, model},
		}, nil
	case plan.KindIMSD:
		msd, err := s.address(proxySlot(SlotMSDController))
		if err != nil {
			return nil, err
		}
		return &deployer.Call{
			Signature: "initialize(address,string,string,address,address,address)",
			Args:      []any{r.Underlying, asset.Name, asset.Symbol, controller, model, msd},
		}, nil
	default:
		return nil, errs.Configuration(string(s.phase), asset.Key, "unknown contract kind %q", asset.Contract)
	}
}

func (s *Sequencer) prices(ctx context.Context) error {
	oracle, ok, err := s.contract(SlotOracle)
	if err != nil || !ok {
		return err
	}
	var aggregators, fixed []reconcile.Diff
	for i := range s.plan.Assets {
		asset := &s.plan.Assets[i]
		market, ok := s.registry.Get(asset.Key)
		if !ok {
			continue
		}
		var d *reconcile.Diff
		if asset.Pegged() {
			d, err = s.reconciler.Diff(ctx, oracle, "fixedPrice", market, asset.Resolved.Price)
		} else {
			d, err = s.reconciler.Diff(ctx, oracle, "aggregator", market, asset.Resolved.Aggregator)
		}
		if err != nil {
			return err
		}
		switch {
		case d == nil:
		case asset.Pegged():
			fixed = append(fixed, *d)
		default:
			aggregators = append(aggregators, *d)
		}
	}
	action, err := s.reconciler.ApplyBatch(ctx, oracle, "aggregator", aggregators)
	if err != nil {
		return err
	}
	if err := s.queue(action); err != nil {
		return err
	}
	if action, err = s.reconciler.ApplyBatch(ctx, oracle, "fixedPrice", fixed); err != nil {
		return err
	}
	if err := s.queue(action); err != nil {
		return err
	}
	// prices must be live before they are checked
	if err := s.flush(ctx); err != nil {
		return err
	}

	for i := range s.plan.Assets {
		asset := &s.plan.Assets[i]
		market, ok := s.registry.Get(asset.Key)
		if !ok {
			continue
		}
		price, err := oracle.ReadBig(ctx, "getUnderlyingPrice(address)", market)
		if err == nil && price.Sign() > 0 {
			s.advance(asset.Key, PriceFed)
			s.step(asset.Key, OutcomeChecked, "price "+price.String(), common.Hash{})
			continue
		}
		reason := "underlying price is zero"
		if err != nil {
			reason = "underlying price unavailable: " + err.Error()
		}
		if s.opts.DryRun {
			s.step(asset.Key, OutcomeBlocked, reason, common.Hash{})
			continue
		}
		return errs.Precondition(string(PhasePrices), asset.Key, "%s", reason)
	}
	return nil
}

func (s *Sequencer) activate(ctx context.Context) error {
	ctrl, ok, err := s.contract(proxySlot(SlotController))
	if err != nil || !ok {
		return err
	}
	var queued []*plan.Asset
	for i := range s.plan.Assets {
		asset := &s.plan.Assets[i]
		market, ok := s.registry.Get(asset.Key)
		if !ok {
			continue
		}
		listed, err := ctrl.ReadBool(ctx, "hasiToken(address)", market)
		if err != nil {
			return errs.Wrap(errs.ErrConfiguration, string(PhaseActivate), asset.Key, err)
		}
		if listed {
			s.advance(asset.Key, Activated)
			s.step(asset.Key, deployer.OutcomeSkipped, "already listed", common.Hash{})
			continue
		}
		if s.states[asset.Key] != PriceFed {
			if s.opts.DryRun {
				s.step(asset.Key, OutcomeBlocked, "no live price", common.Hash{})
				continue
			}
			return errs.Precondition(string(PhaseActivate), asset.Key, "cannot list a market whose price is zero")
		}

		r := asset.Resolved
		action, hash, err := s.reconciler.Execute(ctx, ctrl, addMarketSignature,
			market, r.CollateralFactor, r.BorrowFactor, r.SupplyCapacity, r.BorrowCapacity, r.DistributionFactor)
		if err != nil {
			return err
		}
		switch {
		case s.opts.DryRun:
			s.step(asset.Key, reconcile.OutcomeWouldUpdate, "_addMarket", common.Hash{})
		case action != nil:
			if err := s.queue(action); err != nil {
				return err
			}
			if err := s.reconciler.Expect(ctrl, "listed", market, true); err != nil {
				return err
			}
			queued = append(queued, asset)
			s.step(asset.Key, reconcile.OutcomeQueued, "_addMarket", common.Hash{})
		default:
			s.advance(asset.Key, Activated)
			s.step(asset.Key, reconcile.OutcomeUpdated, "_addMarket", hash)
		}
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	for _, asset := range queued {
		s.advance(asset.Key, Activated)
	}
	return nil
}

func (s *Sequencer) configure(ctx context.Context) error {
	ctrl, ok, err := s.contract(proxySlot(SlotController))
	if err != nil || !ok {
		return err
	}
	distributor, ok, err := s.contract(proxySlot(SlotRewardDistributor))
	if err != nil || !ok {
		return err
	}

	var factors []reconcile.Diff
	var configured []string
	for i := range s.plan.Assets {
		asset := &s.plan.Assets[i]
		if s.states[asset.Key] != Activated {
			if s.opts.DryRun {
				s.step(asset.Key, OutcomeBlocked, "market not listed", common.Hash{})
				continue
			}
			return errs.Precondition(string(PhaseConfigure), asset.Key, "market is %s, not listed", s.states[asset.Key])
		}
		marketAddr, err := s.registry.Lookup(string(PhaseConfigure), asset.Key)
		if err != nil {
			return err
		}
		market := chain.Bind(s.client, asset.Key, marketAddr)
		model, err := s.registry.Lookup(string(PhaseConfigure), asset.InterestModel)
		if err != nil {
			return err
		}
		r := asset.Resolved

		if err := s.reconcile(ctx, market, "reserveRatio", common.Address{}, r.ReserveRatio); err != nil {
			return err
		}
		if err := s.reconcile(ctx, market, "interestRateModel", common.Address{}, model); err != nil {
			return err
		}
		for _, kv := range []struct {
			param string
			value *big.Int
		}{
			{"collateralFactor", r.CollateralFactor},
			{"borrowFactor", r.BorrowFactor},
			{"supplyCapacity", r.SupplyCapacity},
			{"borrowCapacity", r.BorrowCapacity},
		} {
			if err := s.reconcile(ctx, ctrl, kv.param, marketAddr, kv.value); err != nil {
				return err
			}
		}
		d, err := s.reconciler.Diff(ctx, distributor, "distributionFactor", marketAddr, r.DistributionFactor)
		if err != nil {
			return err
		}
		if d != nil {
			factors = append(factors, *d)
		}
		if s.plan.InterestModels[asset.InterestModel].FixedRate {
			fixed := chain.Bind(s.client, asset.InterestModel, model)
			if err := s.reconcile(ctx, fixed, "borrowRate", marketAddr, r.BorrowRate); err != nil {
				return err
			}
		}
		configured = append(configured, asset.Key)
	}
	action, err := s.reconciler.ApplyBatch(ctx, distributor, "distributionFactor", factors)
	if err != nil {
		return err
	}
	if err := s.queue(action); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if !s.opts.DryRun {
		for _, key := range configured {
			s.advance(key, Configured)
		}
	}
	return nil
}

func (s *Sequencer) reconcile(ctx context.Context, target *chain.Contract, param string, key common.Address, desired any) error {
	action, err := s.reconciler.Reconcile(ctx, target, param, key, desired)
	if err != nil {
		return err
	}
	return s.queue(action)
}

// ownedSlots lists every recorded contract that has an owner.
func (s *Sequencer) ownedSlots() []string {
	slots := []string{SlotProxyAdmin, proxySlot(SlotController), proxySlot(SlotRewardDistributor), SlotOracle}
	if s.plan.HasKind(plan.KindIMSD) {
		slots = append(slots, proxySlot(SlotMSDController))
	}
	names := make([]string, 0, len(s.plan.InterestModels))
	for name, model := range s.plan.InterestModels {
		if model.FixedRate {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	slots = append(slots, names...)
	for _, asset := range s.plan.Assets {
		slots = append(slots, asset.Key)
	}
	return slots
}

func (s *Sequencer) handover(ctx context.Context) error {
	if !s.plan.HandOver {
		return nil
	}
	timelock := s.plan.Network.Resolved.Timelock
	for _, slot := range s.ownedSlots() {
		target, ok, err := s.contract(slot)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		owner, err := target.ReadAddress(ctx, "owner()")
		if err != nil {
			return errs.Wrap(errs.ErrConfiguration, string(PhaseHandover), slot, err)
		}
		if owner == timelock {
			s.step(slot, deployer.OutcomeSkipped, "owned by timelock", common.Hash{})
			continue
		}
		if err := s.reconcile(ctx, target, "pendingOwner", common.Address{}, timelock); err != nil {
			return err
		}
		if s.opts.DryRun {
			s.step(slot, reconcile.OutcomeWouldQueue, "_acceptOwner()", common.Hash{})
			continue
		}
		if err := s.batch.Append(target.Address, nil, "_acceptOwner()", nil, nil); err != nil {
			return errs.Wrap(errs.ErrConfiguration, string(PhaseHandover), slot, err)
		}
		if err := s.reconciler.Expect(target, "owner", common.Address{}, timelock); err != nil {
			return err
		}
		s.step(slot, reconcile.OutcomeQueued, "_acceptOwner()", common.Hash{})
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	s.reconciler.ForgetOwners()
	return nil
}

func (s *Sequencer) verify(ctx context.Context) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	configured := 0
	for _, asset := range s.plan.Assets {
		state := s.states[asset.Key]
		if state == Configured {
			configured++
			continue
		}
		if !s.opts.DryRun {
			return errs.Precondition(string(PhaseVerify), asset.Key, "market ended in state %s", state)
		}
	}
	s.step("assets", OutcomeChecked, fmt.Sprintf("%d of %d configured", configured, len(s.plan.Assets)), common.Hash{})
	return nil
}
