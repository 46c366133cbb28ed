// Package reconcile compares live contract parameters with their desired
// values and closes the gap through the one authority that owns each
// contract: the signer directly, or the timelock through a queued action.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendctl/chain"
	"lendctl/errs"
	"lendctl/governance"
	"lendctl/observability"
)

// Outcomes reported through OnChange.
const (
	OutcomeUpdated     = "updated"
	OutcomeQueued      = "queued"
	OutcomeWouldUpdate = "would update"
	OutcomeWouldQueue  = "would queue"
)

const (
	authorityDirect   = "signer"
	authorityTimelock = "timelock"
	reconcileStep     = "reconcile"
	verifyStep        = "verify"
)

// Diff is one parameter whose live value differs from the desired one.
type Diff struct {
	Param   string
	Target  common.Address
	Name    string
	Key     common.Address
	Current string
	Desired string

	value any
}

// Subject renders the diff location, e.g. "controllerProxy.collateralFactor[0xab..]".
func (d Diff) Subject() string {
	if d.Key == (common.Address{}) {
		return d.Name + "." + d.Param
	}
	return d.Name + "." + d.Param + "[" + d.Key.Hex() + "]"
}

// Change is reported for every diff the reconciler acts on.
type Change struct {
	Diff    Diff
	Outcome string
	TxHash  common.Hash
}

type expectation struct {
	target *chain.Contract
	param  Param
	key    common.Address
	want   string
}

// Options configures a Reconciler.
type Options struct {
	Timelock common.Address
	DryRun   bool
	Logger   *slog.Logger
	Metrics  *observability.DeployMetrics
	// OnChange is called after every write, queued action or dry-run plan.
	OnChange func(Change)
}

// Reconciler is bound to one signer for the length of a run.
type Reconciler struct {
	client chain.Client
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	owners   map[common.Address]common.Address
	expected []expectation
}

// New returns a Reconciler writing through client.
func New(client chain.Client, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		client: client,
		opts:   opts,
		logger: logger.With("component", "reconcile"),
		owners: make(map[common.Address]common.Address),
	}
}

// Diff reads the current value of param and returns nil when it already
// equals desired. key is the market address of keyed parameters.
func (r *Reconciler) Diff(ctx context.Context, target *chain.Contract, name string, key common.Address, desired any) (*Diff, error) {
	p, err := Lookup(name)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name, err)
	}
	want, err := canonical(p.Type, desired)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+name, err)
	}
	current, err := r.read(ctx, target, p, key)
	if err != nil {
		return nil, err
	}
	d := Diff{Param: name, Target: target.Address, Name: target.Name, Key: key, Current: current, Desired: want, value: desired}
	r.logger.Debug("checked parameter",
		slog.String("param", name),
		slog.String("subject", d.Subject()),
		slog.String("current", current),
		slog.String("desired", want))
	if current == want {
		return nil, nil
	}
	r.opts.Metrics.RecordDrift(name)
	return &d, nil
}

// Reconcile brings one parameter to desired. It returns nil when the value
// already matches or was written directly, and the queued action when the
// target is owned by the timelock. Nothing is retried.
func (r *Reconciler) Reconcile(ctx context.Context, target *chain.Contract, name string, key common.Address, desired any) (*governance.Action, error) {
	d, err := r.Diff(ctx, target, name, key, desired)
	if err != nil || d == nil {
		return nil, err
	}
	return r.Apply(ctx, target, *d)
}

// Apply closes one diff produced by Diff.
func (r *Reconciler) Apply(ctx context.Context, target *chain.Contract, d Diff) (*governance.Action, error) {
	p, err := Lookup(d.Param)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, d.Subject(), err)
	}
	signature, args, err := setterCall(p, []Diff{d})
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, d.Subject(), err)
	}
	return r.execute(ctx, target, p, []Diff{d}, signature, args)
}

// ApplyBatch closes many diffs of one keyed parameter with a single
// array-typed setter call.
func (r *Reconciler) ApplyBatch(ctx context.Context, target *chain.Contract, name string, diffs []Diff) (*governance.Action, error) {
	if len(diffs) == 0 {
		return nil, nil
	}
	p, err := Lookup(name)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name, err)
	}
	if p.Batch == "" {
		return nil, errs.Configuration(reconcileStep, target.Name+"."+name, "parameter has no batch setter")
	}
	for _, d := range diffs {
		if d.Param != name || d.Target != target.Address {
			return nil, errs.Configuration(reconcileStep, d.Subject(), "diff does not belong to %s.%s", target.Name, name)
		}
	}
	args, err := batchArgs(p, diffs)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+name, err)
	}
	return r.execute(ctx, target, p, diffs, p.Batch, args)
}

func (r *Reconciler) execute(ctx context.Context, target *chain.Contract, p Param, diffs []Diff, signature string, args []any) (*governance.Action, error) {
	authority, err := r.authority(ctx, target)
	if err != nil {
		return nil, err
	}
	if r.opts.DryRun {
		outcome := OutcomeWouldUpdate
		if authority == authorityTimelock {
			outcome = OutcomeWouldQueue
		}
		for _, d := range diffs {
			r.report(Change{Diff: d, Outcome: outcome})
		}
		return nil, nil
	}

	switch authority {
	case authorityTimelock:
		action, err := governance.NewAction(target.Address, nil, signature, args...)
		if err != nil {
			return nil, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+p.Name, err)
		}
		r.mu.Lock()
		for _, d := range diffs {
			r.expected = append(r.expected, expectation{target: target, param: p, key: d.Key, want: d.Desired})
		}
		r.mu.Unlock()
		for _, d := range diffs {
			r.report(Change{Diff: d, Outcome: OutcomeQueued})
		}
		return &action, nil
	default:
		receipt, err := target.Write(ctx, signature, args...)
		if err != nil {
			return nil, errs.Rejection(reconcileStep, target.Name+"."+p.Name, err)
		}
		for _, d := range diffs {
			got, err := r.read(ctx, target, p, d.Key)
			if err != nil {
				return nil, err
			}
			if got != d.Desired {
				return nil, errs.Wrap(errs.ErrDiffMismatch, reconcileStep, d.Subject(),
					fmt.Errorf("wrote %s but read back %s", d.Desired, got))
			}
			r.report(Change{Diff: d, Outcome: OutcomeUpdated, TxHash: txHash(receipt)})
		}
		return nil, nil
	}
}

// Execute sends a call that is not a tracked parameter, such as listing a
// market, through the target's owner. It returns the queued action when the
// timelock owns target, otherwise the hash of the confirmed transaction. In
// dry-run mode nothing is sent and both results are empty.
func (r *Reconciler) Execute(ctx context.Context, target *chain.Contract, signature string, args ...any) (*governance.Action, common.Hash, error) {
	authority, err := r.authority(ctx, target)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if r.opts.DryRun {
		return nil, common.Hash{}, nil
	}
	if authority == authorityTimelock {
		action, err := governance.NewAction(target.Address, nil, signature, args...)
		if err != nil {
			return nil, common.Hash{}, errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name, err)
		}
		return &action, common.Hash{}, nil
	}
	receipt, err := target.Write(ctx, signature, args...)
	if err != nil {
		return nil, common.Hash{}, errs.Rejection(reconcileStep, target.Name+" "+signature, err)
	}
	return nil, txHash(receipt), nil
}

// Authority reports "signer" or "timelock" for target.
func (r *Reconciler) Authority(ctx context.Context, target *chain.Contract) (string, error) {
	return r.authority(ctx, target)
}

// Expect records a value that must hold once the pending batch executes.
func (r *Reconciler) Expect(target *chain.Contract, name string, key common.Address, desired any) error {
	p, err := Lookup(name)
	if err != nil {
		return errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name, err)
	}
	want, err := canonical(p.Type, desired)
	if err != nil {
		return errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = append(r.expected, expectation{target: target, param: p, key: key, want: want})
	return nil
}

// Pending is the number of expectations awaiting verification.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expected)
}

// VerifyQueued re-reads every expectation recorded for queued actions. It
// is called after the batch carrying them has executed; the list is
// cleared whether or not verification passes.
func (r *Reconciler) VerifyQueued(ctx context.Context) error {
	r.mu.Lock()
	pending := r.expected
	r.expected = nil
	r.mu.Unlock()

	for _, e := range pending {
		got, err := r.read(ctx, e.target, e.param, e.key)
		if err != nil {
			return err
		}
		d := Diff{Param: e.param.Name, Target: e.target.Address, Name: e.target.Name, Key: e.key}
		if got != e.want {
			return errs.Wrap(errs.ErrDiffMismatch, verifyStep, d.Subject(),
				fmt.Errorf("timelock batch executed but value is %s, want %s", got, e.want))
		}
		r.logger.Info("verified queued change", slog.String("subject", d.Subject()), slog.String("value", got))
	}
	return nil
}

// ForgetOwners drops the cached owner of every contract, used after
// ownership moves.
func (r *Reconciler) ForgetOwners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[common.Address]common.Address)
}

func (r *Reconciler) authority(ctx context.Context, target *chain.Contract) (string, error) {
	r.mu.Lock()
	owner, ok := r.owners[target.Address]
	r.mu.Unlock()
	if !ok {
		var err error
		owner, err = target.ReadAddress(ctx, "owner()")
		if err != nil {
			return "", errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name, fmt.Errorf("read owner: %w", err))
		}
		r.mu.Lock()
		r.owners[target.Address] = owner
		r.mu.Unlock()
	}
	switch {
	case owner == r.client.Sender():
		return authorityDirect, nil
	case r.opts.Timelock != (common.Address{}) && owner == r.opts.Timelock:
		return authorityTimelock, nil
	default:
		return "", errs.Configuration(reconcileStep, target.Name,
			"owner %s is neither the signer %s nor the timelock", owner.Hex(), r.client.Sender().Hex())
	}
}

func (r *Reconciler) read(ctx context.Context, target *chain.Contract, p Param, key common.Address) (string, error) {
	var args []any
	if p.Keyed {
		if key == (common.Address{}) {
			return "", errs.Configuration(reconcileStep, target.Name+"."+p.Name, "keyed parameter needs a market address")
		}
		args = append(args, key)
	}
	values, err := target.Read(ctx, p.Getter, p.Returns, args...)
	if err != nil {
		return "", errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+p.Name, err)
	}
	if p.Field >= len(values) {
		return "", errs.Configuration(reconcileStep, target.Name+"."+p.Name, "getter returned %d values", len(values))
	}
	out, err := canonical(p.Type, values[p.Field])
	if err != nil {
		return "", errs.Wrap(errs.ErrConfiguration, reconcileStep, target.Name+"."+p.Name, err)
	}
	return out, nil
}

func (r *Reconciler) report(c Change) {
	attrs := []any{
		slog.String("param", c.Diff.Param),
		slog.String("subject", c.Diff.Subject()),
		slog.String("from", c.Diff.Current),
		slog.String("to", c.Diff.Desired),
		slog.String("outcome", c.Outcome),
	}
	if p, err := Lookup(c.Diff.Param); err == nil {
		if from, ok := p.Decimal(c.Diff.Current); ok {
			to, _ := p.Decimal(c.Diff.Desired)
			attrs = append(attrs, slog.String("change", from+" -> "+to))
		}
	}
	r.logger.Info("parameter changed", attrs...)
	if r.opts.OnChange != nil {
		r.opts.OnChange(c)
	}
}

// setterCall picks the single-value setter, falling back to the batch
// setter with one-element lists.
func setterCall(p Param, diffs []Diff) (string, []any, error) {
	d := diffs[0]
	switch {
	case p.Setter != "" && p.Keyed:
		return p.Setter, []any{d.Key, d.value}, nil
	case p.Setter != "":
		return p.Setter, []any{d.value}, nil
	case p.Batch != "":
		args, err := batchArgs(p, diffs)
		return p.Batch, args, err
	default:
		return "", nil, fmt.Errorf("parameter %s is read-only", p.Name)
	}
}

func batchArgs(p Param, diffs []Diff) ([]any, error) {
	keys := make([]common.Address, len(diffs))
	switch p.Type {
	case "address":
		values := make([]common.Address, len(diffs))
		for i, d := range diffs {
			v, ok := d.value.(common.Address)
			if !ok {
				return nil, fmt.Errorf("%s: want address, got %T", d.Subject(), d.value)
			}
			keys[i], values[i] = d.Key, v
		}
		return []any{keys, values}, nil
	default:
		values := make([]*big.Int, len(diffs))
		for i, d := range diffs {
			v, ok := d.value.(*big.Int)
			if !ok {
				return nil, fmt.Errorf("%s: want integer, got %T", d.Subject(), d.value)
			}
			keys[i], values[i] = d.Key, v
		}
		return []any{keys, values}, nil
	}
}

// canonical renders a value as a decimal integer or checksummed address.
func canonical(typ string, v any) (string, error) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return "", fmt.Errorf("nil %s value", typ)
		}
		if typ != "uint256" {
			return "", fmt.Errorf("want %s, got integer", typ)
		}
		return x.String(), nil
	case common.Address:
		if typ != "address" {
			return "", fmt.Errorf("want %s, got address", typ)
		}
		return x.Hex(), nil
	case bool:
		if typ != "bool" {
			return "", fmt.Errorf("want %s, got bool", typ)
		}
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported %s value %T", typ, v)
	}
}

func txHash(receipt *types.Receipt) common.Hash {
	if receipt == nil {
		return common.Hash{}
	}
	return receipt.TxHash
}
