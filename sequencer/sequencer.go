// Package sequencer drives a full deployment run: it provisions the core
// contracts, lists and configures every market in dependency order and
// flushes governance batches between phases.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendctl/artifacts"
	"lendctl/chain"
	"lendctl/deployer"
	"lendctl/errs"
	"lendctl/governance"
	"lendctl/observability"
	"lendctl/plan"
	"lendctl/reconcile"
	"lendctl/registry"
)

// Phase names one stage of a run.
type Phase string

const (
	PhasePreflight  Phase = "preflight"
	PhaseCore       Phase = "core"
	PhaseController Phase = "controller"
	PhaseMarkets    Phase = "markets"
	PhasePrices     Phase = "prices"
	PhaseActivate   Phase = "activate"
	PhaseConfigure  Phase = "configure"
	PhaseHandover   Phase = "handover"
	PhaseVerify     Phase = "verify"
)

// Registry slots of the core contracts.
const (
	SlotProxyAdmin        = "proxyAdmin"
	SlotController        = "controller"
	SlotRewardDistributor = "rewardDistributor"
	SlotOracle            = "oracle"
	SlotMSDController     = "msdController"
)

// Artifact names of the core contracts.
const (
	ContractProxyAdmin        = "ProxyAdmin"
	ContractController        = "Controller"
	ContractRewardDistributor = "RewardDistributorV3"
	ContractPriceOracle       = "PriceOracleV2"
	ContractMSDController     = "MSDControllerV2"
)

// Options configures a run.
type Options struct {
	DryRun  bool
	Logger  *slog.Logger
	Metrics *observability.DeployMetrics
	Tracer  trace.Tracer
	Clock   func() time.Time
}

// Sequencer runs one plan against one chain. A Sequencer is single use.
type Sequencer struct {
	plan       *plan.Plan
	client     chain.Client
	registry   *registry.Registry
	deployer   *deployer.Deployer
	reconciler *reconcile.Reconciler
	batch      governance.Batch

	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	report *Report
	phase  Phase
	states map[string]AssetState
}

// New returns a Sequencer for p. The registry must belong to the plan's
// network.
func New(p *plan.Plan, client chain.Client, reg *registry.Registry, resolver artifacts.Resolver, opts Options) *Sequencer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("lendctl/sequencer")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Sequencer{
		plan:     p,
		client:   client,
		registry: reg,
		opts:     opts,
		tracer:   tracer,
		clock:    clock,
		states:   make(map[string]AssetState, len(p.Assets)),
	}
	s.report = newReport(p.Network.Name, p.Network.ChainID, opts.DryRun, clock())
	s.logger = logger.With("component", "sequencer", "run_id", s.report.RunID, "network", p.Network.Name)
	s.deployer = deployer.New(client, reg, resolver, deployer.Options{
		DryRun: opts.DryRun,
		Logger: s.logger,
		OnStep: func(step deployer.Step) {
			s.step(step.Slot, step.Outcome, step.Contract, step.TxHash)
		},
	})
	s.reconciler = reconcile.New(client, reconcile.Options{
		Timelock: p.Network.Resolved.Timelock,
		DryRun:   opts.DryRun,
		Logger:   s.logger,
		Metrics:  opts.Metrics,
		OnChange: func(c reconcile.Change) {
			s.step(c.Diff.Subject(), c.Outcome, c.Diff.Current+" -> "+c.Diff.Desired, c.TxHash)
		},
	})
	for _, asset := range p.Assets {
		s.states[asset.Key] = NotDeployed
	}
	return s
}

// Run executes every phase in order. The report is returned even when the
// run fails; it then carries the error and the registry holds only
// confirmed steps.
func (s *Sequencer) Run(ctx context.Context) (*Report, error) {
	phases := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhasePreflight, s.preflight},
		{PhaseCore, s.core},
		{PhaseController, s.controller},
		{PhaseMarkets, s.markets},
		{PhasePrices, s.prices},
		{PhaseActivate, s.activate},
		{PhaseConfigure, s.configure},
		{PhaseHandover, s.handover},
		{PhaseVerify, s.verify},
	}
	s.logger.Info("run started", slog.String("plan", s.plan.String()), slog.Bool("dry_run", s.opts.DryRun))

	var runErr error
	for _, ph := range phases {
		if runErr = s.runPhase(ctx, ph.phase, ph.run); runErr != nil {
			break
		}
	}
	s.finish(runErr)
	if runErr != nil {
		s.logger.Error("run failed", slog.String("phase", string(s.phase)), slog.String("kind", errs.Kind(runErr)), slog.Any("error", runErr))
		return s.report, runErr
	}
	s.logger.Info("run finished", slog.Int("steps", len(s.report.Steps)))
	return s.report, nil
}

func (s *Sequencer) runPhase(ctx context.Context, phase Phase, run func(context.Context) error) error {
	s.phase = phase
	ctx, span := s.tracer.Start(ctx, "sequencer."+string(phase),
		trace.WithAttributes(
			attribute.String("network", s.plan.Network.Name),
			attribute.Bool("dry_run", s.opts.DryRun)))
	defer span.End()

	s.logger.Info("phase started", slog.String("phase", string(phase)))
	err := run(ctx)
	if err == nil {
		err = s.flush(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "phase complete")
	return nil
}

// flush submits the pending governance batch and verifies what it queued.
func (s *Sequencer) flush(ctx context.Context) error {
	if s.batch.Len() > 0 {
		count := s.batch.Len()
		s.logger.Info("submitting governance batch", slog.Int("actions", count), slog.String("listing", s.batch.Report()))
		receipt, err := s.batch.Submit(ctx, s.client, s.plan.Network.Resolved.Timelock)
		if err != nil {
			s.step("timelock", OutcomeBlocked, fmt.Sprintf("batch of %d actions rejected", count), common.Hash{})
			return err
		}
		var hash common.Hash
		if receipt != nil {
			hash = receipt.TxHash
		}
		s.step("timelock", OutcomeSubmitted, fmt.Sprintf("%d actions", count), hash)
	}
	return s.reconciler.VerifyQueued(ctx)
}

func (s *Sequencer) finish(err error) {
	r := s.report
	r.Finished = s.clock()
	for _, asset := range s.plan.Assets {
		entry := AssetReport{Key: asset.Key, State: s.states[asset.Key]}
		if addr, ok := s.registry.Get(asset.Key); ok {
			entry.Address = addr.Hex()
		}
		r.Assets = append(r.Assets, entry)
	}
	for slot, addr := range s.registry.Snapshot() {
		r.Registry[slot] = addr.Hex()
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrKind = errs.Kind(err)
	}
}

func (s *Sequencer) step(subject, outcome, detail string, tx common.Hash) {
	s.report.add(s.phase, subject, outcome, detail, tx)
	s.opts.Metrics.RecordStep(string(s.phase), outcome)
}

// advance moves an asset forward; states never go back.
func (s *Sequencer) advance(key string, state AssetState) {
	if stateOrder[state] > stateOrder[s.states[key]] {
		s.states[key] = state
	}
}

// allow turns a dry-run ErrNotProvisioned into "not available"; real runs
// never see that error.
func (s *Sequencer) allow(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if s.opts.DryRun && errors.Is(err, errs.ErrNotProvisioned) {
		return false, nil
	}
	return false, err
}

// contract binds slot, or reports ok=false in a dry run when the slot is
// still empty.
func (s *Sequencer) contract(slot string) (*chain.Contract, bool, error) {
	c, err := s.deployer.Bind(string(s.phase), slot)
	if err != nil {
		if s.opts.DryRun {
			s.step(slot, OutcomeBlocked, "not provisioned", common.Hash{})
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// address resolves slot to an address, zero in a dry run when empty.
func (s *Sequencer) address(slot string) (common.Address, error) {
	addr, ok := s.registry.Get(slot)
	if ok || s.opts.DryRun {
		return addr, nil
	}
	return s.registry.Lookup(string(s.phase), slot)
}

// queue adds a governance action to the batch of the current phase. The
// action is re-checked against its signature on the way in.
func (s *Sequencer) queue(action *governance.Action) error {
	if action == nil {
		return nil
	}
	return s.batch.Append(action.Target, action.Value, action.Signature, action.Types, action.Args)
}
