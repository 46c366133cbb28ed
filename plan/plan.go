// Package plan loads the declarative deployment plan of one network: the
// network constants, interest models and the ordered list of markets.
//
// A Plan is immutable once loaded. Decimal strings are resolved to 10^18
// mantissas at load time so every consumer works with exact integers.
package plan

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"lendctl/errs"
	"lendctl/mantissa"
	"lendctl/rates"
)

// Market token kinds.
const (
	KindIToken = "iToken"
	KindIETH   = "iETH"
	KindIMSD   = "iMSD"
)

// priceDecimals is the scale of an oracle price for a token with 0 decimals;
// a token with d decimals is priced at 10^(36-d).
const priceDecimals = 36

// networkName also names the registry file of the network.
var networkName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Plan is the full desired state of one network.
type Plan struct {
	Network        Network                  `yaml:"network"`
	InterestModels map[string]InterestModel `yaml:"interestModels"`
	Assets         []Asset                  `yaml:"assets"`
	// HandOver transfers ownership of every owned contract to the timelock
	// once configuration completes.
	HandOver bool `yaml:"handOver"`
}

// Network holds the per-network constants.
type Network struct {
	Name                 string            `yaml:"name"`
	ChainID              int64             `yaml:"chainId"`
	BlocksPerYear        uint64            `yaml:"blocksPerYear"`
	Poster               string            `yaml:"poster"`
	PauseGuardian        string            `yaml:"pauseGuardian"`
	Timelock             string            `yaml:"timelock"`
	CloseFactor          string            `yaml:"closeFactor"`
	LiquidationIncentive string            `yaml:"liquidationIncentive"`
	OracleMaxSwing       string            `yaml:"oracleMaxSwing"`
	Artifacts            map[string]string `yaml:"artifacts"`

	Resolved NetworkTargets `yaml:"-"`
}

// NetworkTargets are the resolved on-chain values of a Network.
type NetworkTargets struct {
	Poster               common.Address
	PauseGuardian        common.Address
	Timelock             common.Address
	CloseFactor          *big.Int
	LiquidationIncentive *big.Int
	OracleMaxSwing       *big.Int
}

// InterestModel is one shared interest-rate model contract.
type InterestModel struct {
	Contract string   `yaml:"contract"`
	Args     []string `yaml:"args"`
	// FixedRate models hold one borrow rate per market, set from the
	// market's borrowAPY.
	FixedRate bool `yaml:"fixedRate"`
}

// Asset is the desired configuration of one market.
type Asset struct {
	Key                string `yaml:"key"`
	Contract           string `yaml:"contract"`
	Underlying         string `yaml:"underlying"`
	Decimals           uint8  `yaml:"decimals"`
	Aggregator         string `yaml:"aggregator"`
	Price              string `yaml:"price"`
	Name               string `yaml:"name"`
	Symbol             string `yaml:"symbol"`
	ReserveRatio       string `yaml:"reserveRatio"`
	CollateralFactor   string `yaml:"collateralFactor"`
	BorrowFactor       string `yaml:"borrowFactor"`
	SupplyCapacity     string `yaml:"supplyCapacity"`
	BorrowCapacity     string `yaml:"borrowCapacity"`
	DistributionFactor string `yaml:"distributionFactor"`
	InterestModel      string `yaml:"interestModel"`
	BorrowAPY          string `yaml:"borrowAPY"`

	Resolved AssetTargets `yaml:"-"`
}

// AssetTargets are the resolved on-chain values of an Asset.
type AssetTargets struct {
	Underlying         common.Address
	Aggregator         common.Address
	Price              *big.Int
	ReserveRatio       *big.Int
	CollateralFactor   *big.Int
	BorrowFactor       *big.Int
	SupplyCapacity     *big.Int
	BorrowCapacity     *big.Int
	DistributionFactor *big.Int
	BorrowRate         *big.Int
}

// Pegged reports whether the asset is priced by a fixed posted price rather
// than an aggregator.
func (a *Asset) Pegged() bool { return a.Resolved.Aggregator == (common.Address{}) }

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("plan", path, "read plan: %v", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, errs.Configuration("plan", "decode", "%v", err)
	}
	if err := p.resolve(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Asset returns the asset with key.
func (p *Plan) Asset(key string) (*Asset, bool) {
	for i := range p.Assets {
		if p.Assets[i].Key == key {
			return &p.Assets[i], true
		}
	}
	return nil, false
}

// HasKind reports whether any asset uses the token kind.
func (p *Plan) HasKind(kind string) bool {
	for i := range p.Assets {
		if p.Assets[i].Contract == kind {
			return true
		}
	}
	return false
}

func (p *Plan) resolve() error {
	if err := p.Network.resolve(); err != nil {
		return err
	}
	if p.HandOver && p.Network.Resolved.Timelock == (common.Address{}) {
		return errs.Configuration("plan", "handOver", "handOver requires a timelock address")
	}
	for name, model := range p.InterestModels {
		if strings.TrimSpace(name) == "" {
			return errs.Configuration("plan", "interestModels", "model name required")
		}
		if strings.TrimSpace(model.Contract) == "" {
			return errs.Configuration("plan", name, "interest model contract required")
		}
	}
	if len(p.Assets) == 0 {
		return errs.Configuration("plan", "assets", "at least one asset required")
	}
	seen := make(map[string]struct{}, len(p.Assets))
	for i := range p.Assets {
		asset := &p.Assets[i]
		if _, dup := seen[asset.Key]; dup {
			return errs.Configuration("plan", asset.Key, "duplicate asset key")
		}
		seen[asset.Key] = struct{}{}
		if _, clash := p.InterestModels[asset.Key]; clash {
			return errs.Configuration("plan", asset.Key, "asset key collides with an interest model name")
		}
		if err := asset.resolve(p); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) resolve() error {
	if strings.TrimSpace(n.Name) == "" {
		return errs.Configuration("plan", "network", "network name required")
	}
	if !networkName.MatchString(n.Name) {
		return errs.Configuration("plan", "network", "network name %q may only hold letters, digits, '-' and '_'", n.Name)
	}
	if n.ChainID <= 0 {
		return errs.Configuration("plan", "chainId", "chain id must be positive")
	}
	if n.BlocksPerYear == 0 {
		return errs.Configuration("plan", "blocksPerYear", "blocks per year must be positive")
	}
	wrap := func(err error) error { return errs.Wrap(errs.ErrConfiguration, "plan", "network", err) }
	var err error
	r := &n.Resolved
	if r.Poster, err = address("poster", n.Poster, true); err != nil {
		return wrap(err)
	}
	if r.PauseGuardian, err = address("pauseGuardian", n.PauseGuardian, true); err != nil {
		return wrap(err)
	}
	if r.Timelock, err = address("timelock", n.Timelock, false); err != nil {
		return wrap(err)
	}
	if r.CloseFactor, err = fraction("closeFactor", n.CloseFactor); err != nil {
		return wrap(err)
	}
	if r.LiquidationIncentive, err = decimal("liquidationIncentive", n.LiquidationIncentive, mantissa.Decimals); err != nil {
		return wrap(err)
	}
	if r.OracleMaxSwing, err = fraction("oracleMaxSwing", n.OracleMaxSwing); err != nil {
		return wrap(err)
	}
	return nil
}

func (a *Asset) resolve(p *Plan) error {
	if strings.TrimSpace(a.Key) == "" {
		return errs.Configuration("plan", "assets", "asset key required")
	}
	wrap := func(err error) error { return errs.Wrap(errs.ErrConfiguration, "plan", a.Key, err) }

	switch a.Contract {
	case KindIToken, KindIMSD:
		if strings.TrimSpace(a.Underlying) == "" {
			return errs.Configuration("plan", a.Key, "%s requires an underlying address", a.Contract)
		}
		if a.Decimals == 0 {
			return errs.Configuration("plan", a.Key, "decimals of the underlying token required")
		}
	case KindIETH:
		if strings.TrimSpace(a.Underlying) != "" {
			return errs.Configuration("plan", a.Key, "iETH has no underlying token")
		}
		if a.Decimals == 0 {
			a.Decimals = 18
		}
	default:
		return errs.Configuration("plan", a.Key, "unknown contract kind %q", a.Contract)
	}
	if a.Decimals > priceDecimals {
		return errs.Configuration("plan", a.Key, "decimals %d out of range", a.Decimals)
	}
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Symbol) == "" {
		return errs.Configuration("plan", a.Key, "token name and symbol required")
	}

	r := &a.Resolved
	var err error
	if a.Underlying != "" {
		if r.Underlying, err = address("underlying", a.Underlying, true); err != nil {
			return wrap(err)
		}
	}

	hasAggregator := strings.TrimSpace(a.Aggregator) != ""
	hasPrice := strings.TrimSpace(a.Price) != ""
	switch {
	case hasAggregator && hasPrice:
		return errs.Configuration("plan", a.Key, "aggregator and price are mutually exclusive")
	case hasAggregator:
		if r.Aggregator, err = address("aggregator", a.Aggregator, true); err != nil {
			return wrap(err)
		}
	case hasPrice:
		if r.Price, err = decimal("price", a.Price, priceDecimals-a.Decimals); err != nil {
			return wrap(err)
		}
		if r.Price.Sign() == 0 {
			return errs.Configuration("plan", a.Key, "price must be positive")
		}
	default:
		return errs.Configuration("plan", a.Key, "either aggregator or price required")
	}

	if r.ReserveRatio, err = fraction("reserveRatio", a.ReserveRatio); err != nil {
		return wrap(err)
	}
	if r.CollateralFactor, err = fraction("collateralFactor", a.CollateralFactor); err != nil {
		return wrap(err)
	}
	if r.BorrowFactor, err = fraction("borrowFactor", a.BorrowFactor); err != nil {
		return wrap(err)
	}
	if r.SupplyCapacity, err = decimal("supplyCapacity", a.SupplyCapacity, a.Decimals); err != nil {
		return wrap(err)
	}
	if r.BorrowCapacity, err = decimal("borrowCapacity", a.BorrowCapacity, a.Decimals); err != nil {
		return wrap(err)
	}
	if r.DistributionFactor, err = decimal("distributionFactor", a.DistributionFactor, mantissa.Decimals); err != nil {
		return wrap(err)
	}

	model, ok := p.InterestModels[a.InterestModel]
	if !ok {
		return errs.Configuration("plan", a.Key, "unknown interest model %q", a.InterestModel)
	}
	hasAPY := strings.TrimSpace(a.BorrowAPY) != ""
	switch {
	case model.FixedRate && !hasAPY:
		return errs.Configuration("plan", a.Key, "fixed-rate model %s requires borrowAPY", a.InterestModel)
	case !model.FixedRate && hasAPY:
		return errs.Configuration("plan", a.Key, "borrowAPY requires a fixed-rate interest model")
	case hasAPY:
		apy, err := rates.ParseAPY(a.BorrowAPY)
		if err != nil {
			return wrap(err)
		}
		if r.BorrowRate, err = rates.APYToPerBlockRate(apy, p.Network.BlocksPerYear); err != nil {
			return wrap(err)
		}
	}
	return nil
}

func address(field, raw string, required bool) (common.Address, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s address required", field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, raw)
	}
	addr := common.HexToAddress(value)
	if required && addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must not be the zero address", field)
	}
	return addr, nil
}

func decimal(field, raw string, decimals uint8) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	v, err := mantissa.Scale(raw, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// fraction parses a mantissa that must not exceed 1.0.
func fraction(field, raw string) (*big.Int, error) {
	v, err := decimal(field, raw, mantissa.Decimals)
	if err != nil {
		return nil, err
	}
	if v.Cmp(mantissa.One()) > 0 {
		return nil, fmt.Errorf("%s must be at most 1.0", field)
	}
	return v, nil
}

// String renders the plan summary for logs.
func (p *Plan) String() string {
	return fmt.Sprintf("%s (chain %d, %d assets)", p.Network.Name, p.Network.ChainID, len(p.Assets))
}
