package reconcile

import (
	"fmt"
	"math/big"
	"sort"

	"lendctl/mantissa"
)

// Param describes how one configurable value is read and written.
type Param struct {
	Name string
	// Getter is the read signature. Keyed getters take the key address as
	// their only argument.
	Getter  string
	Returns string
	// Field selects one output of a tuple getter.
	Field int
	// Type is the ABI type of the value, "uint256" or "address".
	Type string
	// Setter is the single-value write signature; keyed setters take the
	// key first. Empty for batch-only parameters.
	Setter string
	// Batch is the array-typed setter taking parallel key and value lists.
	Batch string
	Keyed bool
	// Mantissa marks values scaled by 10^18.
	Mantissa bool
}

var markets = "uint256,uint256,uint256,uint256,bool,bool,bool"

var params = map[string]Param{
	"reserveRatio": {Getter: "reserveRatio()", Returns: "uint256", Type: "uint256", Mantissa: true,
		Setter: "_setNewReserveRatio(uint256)"},
	"interestRateModel": {Getter: "interestRateModel()", Returns: "address", Type: "address",
		Setter: "_setInterestRateModel(address)"},

	"collateralFactor": {Getter: "markets(address)", Returns: markets, Field: 0, Type: "uint256", Mantissa: true, Keyed: true,
		Setter: "_setCollateralFactor(address,uint256)"},
	"borrowFactor": {Getter: "markets(address)", Returns: markets, Field: 1, Type: "uint256", Mantissa: true, Keyed: true,
		Setter: "_setBorrowFactor(address,uint256)"},
	"borrowCapacity": {Getter: "markets(address)", Returns: markets, Field: 2, Type: "uint256", Keyed: true,
		Setter: "_setBorrowCapacity(address,uint256)"},
	"supplyCapacity": {Getter: "markets(address)", Returns: markets, Field: 3, Type: "uint256", Keyed: true,
		Setter: "_setSupplyCapacity(address,uint256)"},

	"closeFactor": {Getter: "closeFactorMantissa()", Returns: "uint256", Type: "uint256", Mantissa: true,
		Setter: "_setCloseFactor(uint256)"},
	"liquidationIncentive": {Getter: "liquidationIncentiveMantissa()", Returns: "uint256", Type: "uint256", Mantissa: true,
		Setter: "_setLiquidationIncentive(uint256)"},
	"pauseGuardian": {Getter: "pauseGuardian()", Returns: "address", Type: "address",
		Setter: "_setPauseGuardian(address)"},
	"priceOracle": {Getter: "priceOracle()", Returns: "address", Type: "address",
		Setter: "_setPriceOracle(address)"},
	"rewardDistributor": {Getter: "rewardDistributor()", Returns: "address", Type: "address",
		Setter: "_setRewardDistributor(address)"},

	"distributionFactor": {Getter: "distributionFactorMantissa(address)", Returns: "uint256", Type: "uint256", Mantissa: true, Keyed: true,
		Batch: "_setDistributionFactors(address[],uint256[])"},
	"aggregator": {Getter: "aggregator(address)", Returns: "address", Type: "address", Keyed: true,
		Batch: "_setAssetAggregatorBatch(address[],address[])"},
	"fixedPrice": {Getter: "getUnderlyingPrice(address)", Returns: "uint256", Type: "uint256", Keyed: true,
		Batch: "_setPrices(address[],uint256[])"},
	"borrowRate": {Getter: "borrowRatesPerBlock(address)", Returns: "uint256", Type: "uint256", Keyed: true,
		Setter: "_setBorrowRate(address,uint256)"},

	"pendingOwner": {Getter: "pendingOwner()", Returns: "address", Type: "address",
		Setter: "_setPendingOwner(address)"},
	// owner and listed change only through _acceptOwner and _addMarket; the
	// entries exist so queued calls can be verified.
	"owner":  {Getter: "owner()", Returns: "address", Type: "address"},
	"listed": {Getter: "hasiToken(address)", Returns: "bool", Type: "bool", Keyed: true},
}

func init() {
	for name, p := range params {
		p.Name = name
		params[name] = p
	}
}

// Decimal renders a raw mantissa value of p as a decimal, e.g. "0.15" for
// a reserve ratio of 15e16. It reports false for other parameters.
func (p Param) Decimal(raw string) (string, bool) {
	if !p.Mantissa {
		return "", false
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", false
	}
	return mantissa.Format(v, mantissa.Decimals), true
}

// Lookup returns the parameter named name.
func Lookup(name string) (Param, error) {
	p, ok := params[name]
	if !ok {
		return Param{}, fmt.Errorf("reconcile: unknown parameter %q", name)
	}
	return p, nil
}

// Params lists the known parameter names in order.
func Params() []string {
	out := make([]string, 0, len(params))
	for name := range params {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
