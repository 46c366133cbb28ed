package sequencer

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendctl/artifacts"
	"lendctl/chain"
	"lendctl/chain/chaintest"
	"lendctl/errs"
	"lendctl/plan"
	"lendctl/registry"
)

type env struct {
	chain *chaintest.Chain
	reg   *registry.Registry
}

func loadPlan(t *testing.T, edits ...func(string) string) *plan.Plan {
	t.Helper()
	raw, err := os.ReadFile("testdata/kovan.yaml")
	require.NoError(t, err)
	text := string(raw)
	for _, edit := range edits {
		text = edit(text)
	}
	p, err := plan.Parse([]byte(text))
	require.NoError(t, err)
	return p
}

func replace(old, new string) func(string) string {
	return func(s string) string { return strings.Replace(s, old, new, 1) }
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// newEnv returns a ledger holding the contracts a plan references but does
// not deploy: the timelock and the price aggregators.
func newEnv(t *testing.T, p *plan.Plan) *env {
	t.Helper()
	c := chaintest.NewLending(42)
	c.Install(p.Network.Resolved.Timelock, chaintest.KindTimelock, map[string]any{"owner": chaintest.DefaultSender})
	for _, asset := range p.Assets {
		if asset.Pegged() {
			continue
		}
		// one unit of the asset is worth 1.0
		answer := pow10(int64(36 - int(asset.Decimals)))
		c.Install(asset.Resolved.Aggregator, chaintest.KindAggregator, map[string]any{"answer": answer})
	}
	return &env{chain: c, reg: registry.New(p.Network.Name)}
}

func (e *env) run(t *testing.T, p *plan.Plan, dryRun bool) (*Report, error) {
	t.Helper()
	resolver := artifacts.NewDir(e.chain.Artifacts(), p.Network.Artifacts)
	return New(p, e.chain, e.reg, resolver, Options{DryRun: dryRun}).Run(context.Background())
}

func (e *env) contract(t *testing.T, slot string) *chain.Contract {
	t.Helper()
	addr, ok := e.reg.Get(slot)
	require.True(t, ok, slot)
	return chain.Bind(e.chain, slot, addr)
}

func (e *env) signatures() []string {
	var out []string
	for _, tx := range e.chain.Txs() {
		out = append(out, tx.Signature)
	}
	return out
}

func TestRunProvisionsAndConfiguresEveryMarket(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	ctx := context.Background()

	report, err := e.run(t, p, false)
	require.NoError(t, err)
	require.Empty(t, report.Error)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, "kovan", report.Network)
	for _, asset := range report.Assets {
		require.Equal(t, Configured, asset.State, asset.Key)
		require.NotEmpty(t, asset.Address)
	}
	for _, slot := range []string{
		"proxyAdmin", "controllerImpl", "controllerProxy", "rewardDistributorImpl", "rewardDistributorProxy",
		"oracle", "nonStableInterestModel", "fixedInterestModel", "msdControllerImpl", "msdControllerProxy",
		"iTokenImpl", "iETHImpl", "iMSDImpl", "iUSDC", "iETH", "iMUSX",
	} {
		require.Contains(t, report.Registry, slot)
	}

	controller := e.contract(t, "controllerProxy")
	oracle := e.contract(t, "oracle")
	usdc, _ := e.reg.Get("iUSDC")
	musx, _ := e.reg.Get("iMUSX")

	got, err := controller.ReadAddress(ctx, "priceOracle()")
	require.NoError(t, err)
	require.Equal(t, oracle.Address, got)
	closeFactor, err := controller.ReadBig(ctx, "closeFactorMantissa()")
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Div(pow10(18), big.NewInt(2)), closeFactor)

	values, err := controller.Read(ctx, "markets(address)", "uint256,uint256,uint256,uint256,bool,bool,bool", usdc)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(85), pow10(16)), values[0])
	require.Equal(t, new(big.Int).Mul(big.NewInt(10_000_000), pow10(6)), values[2])

	ratio, err := e.contract(t, "iETH").ReadBig(ctx, "reserveRatio()")
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(15), pow10(16)), ratio)

	price, err := oracle.ReadBig(ctx, "getUnderlyingPrice(address)", musx)
	require.NoError(t, err)
	require.Equal(t, pow10(18), price)

	rate, err := e.contract(t, "fixedInterestModel").ReadBig(ctx, "borrowRatesPerBlock(address)", musx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(23208440471), rate)

	sigs := e.signatures()
	require.Contains(t, sigs, "_setAssetAggregatorBatch(address[],address[])")
	require.Contains(t, sigs, "_setPrices(address[],uint256[])")
	require.Contains(t, sigs, addMarketSignature)
	require.NotContains(t, sigs, "executeTransactions(address[],uint256[],string[],bytes[])")
}

func TestSecondRunWritesNothing(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	_, err := e.run(t, p, false)
	require.NoError(t, err)

	writes := e.chain.Writes()
	report, err := e.run(t, p, false)
	require.NoError(t, err)
	require.Equal(t, writes, e.chain.Writes())
	require.Zero(t, report.Count("deployed"))
	require.Zero(t, report.Count("updated"))
	require.Zero(t, report.Count(OutcomeSubmitted))
	require.Equal(t, 16, report.Count("skipped")-len(p.Assets))
}

func TestChangedReserveRatioIsOneWrite(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	_, err := e.run(t, p, false)
	require.NoError(t, err)

	raised := loadPlan(t, replace(`reserveRatio: "0.15"`, `reserveRatio: "0.2"`))
	writes := e.chain.Writes()
	report, err := e.run(t, raised, false)
	require.NoError(t, err)
	require.Equal(t, writes+1, e.chain.Writes())
	require.Equal(t, 1, report.Count("updated"))

	ratio, err := e.contract(t, "iETH").ReadBig(context.Background(), "reserveRatio()")
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(2), pow10(17)), ratio)
}

func TestZeroPriceBlocksActivation(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	usdc, _ := p.Asset("iUSDC")
	e.chain.Install(usdc.Resolved.Aggregator, chaintest.KindAggregator, map[string]any{"answer": new(big.Int)})

	report, err := e.run(t, p, false)
	require.ErrorIs(t, err, errs.ErrPrecondition)
	require.Equal(t, "precondition", report.ErrKind)
	require.NotContains(t, e.signatures(), addMarketSignature)

	state, ok := report.Asset("iUSDC")
	require.True(t, ok)
	require.Equal(t, Deployed, state.State)
	require.Contains(t, report.Error, "underlying price is zero")
}

func TestInitializerFailureLeavesNoPartialSlot(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	e.chain.FailNext("initialize(address)", errors.New("out of gas"))

	_, err := e.run(t, p, false)
	require.ErrorIs(t, err, errs.ErrChainRejection)
	_, ok := e.reg.Get("rewardDistributorImpl")
	require.False(t, ok)
	_, ok = e.reg.Get("rewardDistributorProxy")
	require.False(t, ok)
	controller, ok := e.reg.Get("controllerProxy")
	require.True(t, ok)

	report, err := e.run(t, p, false)
	require.NoError(t, err)
	require.Equal(t, controller.Hex(), report.Registry["controllerProxy"])
	require.Contains(t, report.Registry, "rewardDistributorProxy")
}

func TestHandOverRoutesLaterChangesThroughTimelock(t *testing.T) {
	p := loadPlan(t, replace("assets:", "handOver: true\n\nassets:"))
	e := newEnv(t, p)
	ctx := context.Background()
	timelock := p.Network.Resolved.Timelock

	report, err := e.run(t, p, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(OutcomeSubmitted))
	for _, slot := range []string{"proxyAdmin", "controllerProxy", "oracle", "fixedInterestModel", "iUSDC", "msdControllerProxy"} {
		owner, err := e.contract(t, slot).ReadAddress(ctx, "owner()")
		require.NoError(t, err)
		require.Equal(t, timelock, owner, slot)
	}

	// nothing left to hand over or change
	writes := e.chain.Writes()
	_, err = e.run(t, p, false)
	require.NoError(t, err)
	require.Equal(t, writes, e.chain.Writes())

	raised := loadPlan(t,
		replace("assets:", "handOver: true\n\nassets:"),
		replace(`reserveRatio: "0.15"`, `reserveRatio: "0.2"`),
		replace(`closeFactor: "0.5"`, `closeFactor: "0.6"`))
	report, err = e.run(t, raised, false)
	require.NoError(t, err)
	require.Equal(t, writes+2, e.chain.Writes())
	require.Equal(t, 2, report.Count(OutcomeSubmitted))
	require.Equal(t, 2, report.Count("queued"))
	require.Zero(t, report.Count("updated"))

	ratio, err := e.contract(t, "iETH").ReadBig(ctx, "reserveRatio()")
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(2), pow10(17)), ratio)
}

func TestDryRunChangesNothing(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)

	report, err := e.run(t, p, true)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Zero(t, e.chain.Writes())
	require.Empty(t, e.reg.Slots())
	require.Equal(t, 16, report.Count("would deploy"))
	for _, asset := range report.Assets {
		require.Equal(t, NotDeployed, asset.State)
	}
}

func TestDryRunAgainstDeployedNetworkReportsDrift(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	_, err := e.run(t, p, false)
	require.NoError(t, err)

	raised := loadPlan(t, replace(`reserveRatio: "0.15"`, `reserveRatio: "0.2"`))
	writes := e.chain.Writes()
	report, err := e.run(t, raised, true)
	require.NoError(t, err)
	require.Equal(t, writes, e.chain.Writes())
	require.Equal(t, 1, report.Count("would update"))
}

func TestPreflightRejectsWrongChain(t *testing.T) {
	p := loadPlan(t, replace("chainId: 42", "chainId: 1"))
	e := newEnv(t, p)

	report, err := e.run(t, p, false)
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.Contains(t, err.Error(), "expects 1")
	require.Zero(t, e.chain.Writes())
	require.Equal(t, "configuration", report.ErrKind)
}

func TestPreflightRejectsMissingTimelock(t *testing.T) {
	p := loadPlan(t)
	e := &env{chain: chaintest.NewLending(42), reg: registry.New("kovan")}
	_, err := e.run(t, p, false)
	require.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestPreflightRejectsReservedKeys(t *testing.T) {
	p := loadPlan(t, replace("key: iUSDC", "key: oracle"))
	e := newEnv(t, p)
	_, err := e.run(t, p, false)
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.Zero(t, e.chain.Writes())
}

func TestReportJSON(t *testing.T) {
	p := loadPlan(t)
	e := newEnv(t, p)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := artifacts.NewDir(e.chain.Artifacts(), nil)
	report, err := New(p, e.chain, e.reg, resolver, Options{Clock: func() time.Time { return fixed }}).Run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	out := buf.String()
	require.Contains(t, out, `"runId": "`+report.RunID+`"`)
	require.Contains(t, out, `"started": "2024-03-01T12:00:00Z"`)
	require.Contains(t, out, `"phase": "activate"`)
	require.Contains(t, out, `"oracle": "`+report.Registry["oracle"]+`"`)
}
