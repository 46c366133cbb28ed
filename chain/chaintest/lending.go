package chaintest

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Contract kind names understood by NewLending.
const (
	KindProxyAdmin        = "ProxyAdmin"
	KindProxy             = "TransparentUpgradeableProxy"
	KindController        = "Controller"
	KindRewardDistributor = "RewardDistributorV3"
	KindPriceOracle       = "PriceOracleV2"
	KindStandardModel     = "StandardInterestModel"
	KindFixedModel        = "FixedInterestModel"
	KindIToken            = "iToken"
	KindIETH              = "iETH"
	KindIMSD              = "iMSD"
	KindMSDController     = "MSDControllerV2"
	KindTimelock          = "Timelock"
	KindAggregator        = "MockAggregator"
)

var (
	errNotOwner      = errors.New("onlyOwner: caller is not the owner")
	errInitialized   = errors.New("initializer: already initialized")
	errNotListed     = errors.New("market not listed")
	errNotController = errors.New("only controller")
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// NewLending returns a ledger with fakes of the lending protocol contracts.
func NewLending(chainID int64) *Chain {
	c := New(chainID)

	ownable(c.Define(KindProxyAdmin, "", setOwner))
	defineTimelock(ownable(c.Define(KindTimelock, "", setOwner)))

	c.Define(KindProxy, "address,address,bytes", proxyConstructor)

	defineController(ownable(c.Define(KindController, "", nil)))
	defineRewardDistributor(ownable(c.Define(KindRewardDistributor, "", nil)))
	defineOracle(ownable(c.Define(KindPriceOracle, "address,uint256", oracleConstructor)))

	c.Define(KindStandardModel, "uint256", func(cc *CallContext, args []any) ([]any, error) {
		return nil, cc.Set("threshold", args[0])
	}).Handle("threshold()", "uint256", getBig("threshold"))
	defineFixedModel(ownable(c.Define(KindFixedModel, "", setOwner)))

	defineMarket(ownable(c.Define(KindIToken, "", nil)), "initialize(address,string,string,address,address)", []string{"underlying", "name", "symbol", "controller", "interestRateModel"})
	defineMarket(ownable(c.Define(KindIETH, "", nil)), "initialize(string,string,address,address)", []string{"name", "symbol", "controller", "interestRateModel"})
	defineMarket(ownable(c.Define(KindIMSD, "", nil)), "initialize(address,string,string,address,address,address)", []string{"underlying", "name", "symbol", "controller", "interestRateModel", "msdController"})

	ownable(c.Define(KindMSDController, "", nil)).
		HandleWrite("initialize()", initializer(nil))

	c.Define(KindAggregator, "int256", func(cc *CallContext, args []any) ([]any, error) {
		return nil, cc.Set("answer", args[0])
	}).Handle("latestAnswer()", "int256", getBig("answer"))

	return c
}

func setOwner(cc *CallContext, _ []any) ([]any, error) {
	return nil, cc.Set("owner", cc.From)
}

func ownable(k *Kind) *Kind {
	return k.
		Handle("owner()", "address", getAddress("owner")).
		Handle("pendingOwner()", "address", getAddress("pendingOwner")).
		HandleWrite("_setPendingOwner(address)", func(cc *CallContext, args []any) ([]any, error) {
			if err := onlyOwner(cc); err != nil {
				return nil, err
			}
			return nil, cc.Set("pendingOwner", args[0])
		}).
		HandleWrite("_acceptOwner()", func(cc *CallContext, _ []any) ([]any, error) {
			pending := cc.Address("pendingOwner")
			if pending == (common.Address{}) || cc.From != pending {
				return nil, errors.New("_acceptOwner: only pending owner")
			}
			if err := cc.Set("owner", pending); err != nil {
				return nil, err
			}
			return nil, cc.Set("pendingOwner", common.Address{})
		})
}

func onlyOwner(cc *CallContext) error {
	if cc.From != cc.Address("owner") {
		return errNotOwner
	}
	return nil
}

// initializer runs once and assigns ownership to the caller.
func initializer(then func(cc *CallContext, args []any) error) Handler {
	return func(cc *CallContext, args []any) ([]any, error) {
		if cc.Bool("initialized") {
			return nil, errInitialized
		}
		if err := cc.Set("initialized", true); err != nil {
			return nil, err
		}
		if err := cc.Set("owner", cc.From); err != nil {
			return nil, err
		}
		if then != nil {
			if err := then(cc, args); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

func getAddress(key string) Handler {
	return func(cc *CallContext, _ []any) ([]any, error) {
		return []any{cc.Address(key)}, nil
	}
}

func getBig(key string) Handler {
	return func(cc *CallContext, _ []any) ([]any, error) {
		return []any{cc.Big(key)}, nil
	}
}

func getString(key string) Handler {
	return func(cc *CallContext, _ []any) ([]any, error) {
		v, _ := cc.Get(key).(string)
		return []any{v}, nil
	}
}

func setOwned(key string) Handler {
	return func(cc *CallContext, args []any) ([]any, error) {
		if err := onlyOwner(cc); err != nil {
			return nil, err
		}
		return nil, cc.Set(key, args[0])
	}
}

func keyed(prefix string, addr common.Address) string {
	return prefix + ":" + addr.Hex()
}

func proxyConstructor(cc *CallContext, args []any) ([]any, error) {
	logic := args[0].(common.Address)
	admin := args[1].(common.Address)
	data := args[2].([]byte)
	kind, ok := cc.KindAt(logic)
	if !ok {
		return nil, errors.New("ERC1967: new implementation is not a contract")
	}
	if err := cc.Set("__implementation", logic); err != nil {
		return nil, err
	}
	if err := cc.Set("__admin", admin); err != nil {
		return nil, err
	}
	if err := cc.Delegate(kind); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return nil, cc.Invoke(cc.From, data)
}

func defineTimelock(k *Kind) {
	k.HandleWrite("executeTransactions(address[],uint256[],string[],bytes[])", func(cc *CallContext, args []any) ([]any, error) {
		if err := onlyOwner(cc); err != nil {
			return nil, err
		}
		targets := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		signatures := args[2].([]string)
		calldatas := args[3].([][]byte)
		if len(targets) != len(values) || len(targets) != len(signatures) || len(targets) != len(calldatas) {
			return nil, errors.New("executeTransactions: length mismatch")
		}
		for i := range targets {
			if err := cc.CallPacked(targets[i], signatures[i], calldatas[i]); err != nil {
				return nil, fmt.Errorf("action %d %s: %w", i, signatures[i], err)
			}
		}
		return nil, nil
	})
}

func defineController(k *Kind) {
	k.HandleWrite("initialize()", initializer(nil)).
		Handle("markets(address)", "uint256,uint256,uint256,uint256,bool,bool,bool", func(cc *CallContext, args []any) ([]any, error) {
			token := args[0].(common.Address)
			return []any{
				cc.Big(keyed("collateralFactor", token)),
				cc.Big(keyed("borrowFactor", token)),
				cc.Big(keyed("borrowCapacity", token)),
				cc.Big(keyed("supplyCapacity", token)),
				cc.Bool(keyed("mintPaused", token)),
				cc.Bool(keyed("redeemPaused", token)),
				cc.Bool(keyed("borrowPaused", token)),
			}, nil
		}).
		Handle("hasiToken(address)", "bool", func(cc *CallContext, args []any) ([]any, error) {
			return []any{cc.Bool(keyed("listed", args[0].(common.Address)))}, nil
		}).
		Handle("closeFactorMantissa()", "uint256", getBig("closeFactor")).
		Handle("liquidationIncentiveMantissa()", "uint256", getBig("liquidationIncentive")).
		Handle("pauseGuardian()", "address", getAddress("pauseGuardian")).
		Handle("priceOracle()", "address", getAddress("priceOracle")).
		Handle("rewardDistributor()", "address", getAddress("rewardDistributor")).
		HandleWrite("_setCloseFactor(uint256)", setOwned("closeFactor")).
		HandleWrite("_setLiquidationIncentive(uint256)", setOwned("liquidationIncentive")).
		HandleWrite("_setPauseGuardian(address)", setOwned("pauseGuardian")).
		HandleWrite("_setPriceOracle(address)", setOwned("priceOracle")).
		HandleWrite("_setRewardDistributor(address)", setOwned("rewardDistributor")).
		HandleWrite("_setCollateralFactor(address,uint256)", marketSetter("collateralFactor", wad)).
		HandleWrite("_setBorrowFactor(address,uint256)", marketSetter("borrowFactor", wad)).
		HandleWrite("_setBorrowCapacity(address,uint256)", marketSetter("borrowCapacity", nil)).
		HandleWrite("_setSupplyCapacity(address,uint256)", marketSetter("supplyCapacity", nil)).
		HandleWrite("_addMarket(address,uint256,uint256,uint256,uint256,uint256)", addMarket)
}

func marketSetter(field string, limit *big.Int) Handler {
	return func(cc *CallContext, args []any) ([]any, error) {
		if err := onlyOwner(cc); err != nil {
			return nil, err
		}
		token := args[0].(common.Address)
		if !cc.Bool(keyed("listed", token)) {
			return nil, errNotListed
		}
		value := args[1].(*big.Int)
		if limit != nil && value.Cmp(limit) > 0 {
			return nil, fmt.Errorf("%s exceeds 1.0", field)
		}
		return nil, cc.Set(keyed(field, token), value)
	}
}

func addMarket(cc *CallContext, args []any) ([]any, error) {
	if err := onlyOwner(cc); err != nil {
		return nil, err
	}
	token := args[0].(common.Address)
	if cc.Bool(keyed("listed", token)) {
		return nil, errors.New("_addMarket: token has already been listed")
	}
	oracle := cc.Address("priceOracle")
	if oracle == (common.Address{}) {
		return nil, errors.New("_addMarket: price oracle not set")
	}
	price, err := cc.Call(oracle, "getUnderlyingPrice(address)", "uint256", token)
	if err != nil {
		return nil, err
	}
	if price[0].(*big.Int).Sign() == 0 {
		return nil, errors.New("_addMarket: underlying price is unavailable")
	}
	fields := []string{"collateralFactor", "borrowFactor", "supplyCapacity", "borrowCapacity"}
	for i, field := range fields {
		if err := cc.Set(keyed(field, token), args[i+1]); err != nil {
			return nil, err
		}
	}
	if err := cc.Set(keyed("listed", token), true); err != nil {
		return nil, err
	}
	if distributor := cc.Address("rewardDistributor"); distributor != (common.Address{}) {
		if _, err := cc.Call(distributor, "_addRecipient(address,uint256)", "", token, args[5]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func defineRewardDistributor(k *Kind) {
	k.HandleWrite("initialize(address)", initializer(func(cc *CallContext, args []any) error {
		return cc.Set("controller", args[0])
	})).
		Handle("controller()", "address", getAddress("controller")).
		Handle("distributionFactorMantissa(address)", "uint256", func(cc *CallContext, args []any) ([]any, error) {
			return []any{cc.Big(keyed("distributionFactor", args[0].(common.Address)))}, nil
		}).
		HandleWrite("_addRecipient(address,uint256)", func(cc *CallContext, args []any) ([]any, error) {
			if cc.From != cc.Address("controller") {
				return nil, errNotController
			}
			return nil, cc.Set(keyed("distributionFactor", args[0].(common.Address)), args[1])
		}).
		HandleWrite("_setDistributionFactors(address[],uint256[])", func(cc *CallContext, args []any) ([]any, error) {
			if err := onlyOwner(cc); err != nil {
				return nil, err
			}
			tokens := args[0].([]common.Address)
			factors := args[1].([]*big.Int)
			if len(tokens) != len(factors) {
				return nil, errors.New("_setDistributionFactors: length mismatch")
			}
			for i, token := range tokens {
				if err := cc.Set(keyed("distributionFactor", token), factors[i]); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
}

func oracleConstructor(cc *CallContext, args []any) ([]any, error) {
	if err := cc.Set("owner", cc.From); err != nil {
		return nil, err
	}
	if err := cc.Set("poster", args[0]); err != nil {
		return nil, err
	}
	return nil, cc.Set("maxSwing", args[1])
}

func defineOracle(k *Kind) {
	k.Handle("poster()", "address", getAddress("poster")).
		Handle("maxSwing()", "uint256", getBig("maxSwing")).
		Handle("aggregator(address)", "address", func(cc *CallContext, args []any) ([]any, error) {
			return []any{cc.Address(keyed("aggregator", args[0].(common.Address)))}, nil
		}).
		Handle("getUnderlyingPrice(address)", "uint256", func(cc *CallContext, args []any) ([]any, error) {
			token := args[0].(common.Address)
			if agg := cc.Address(keyed("aggregator", token)); agg != (common.Address{}) {
				answer, err := cc.Call(agg, "latestAnswer()", "int256")
				if err != nil {
					return nil, err
				}
				v := answer[0].(*big.Int)
				if v.Sign() < 0 {
					return []any{new(big.Int)}, nil
				}
				return []any{v}, nil
			}
			return []any{cc.Big(keyed("price", token))}, nil
		}).
		HandleWrite("_setAssetAggregatorBatch(address[],address[])", func(cc *CallContext, args []any) ([]any, error) {
			if err := onlyOwner(cc); err != nil {
				return nil, err
			}
			tokens := args[0].([]common.Address)
			aggregators := args[1].([]common.Address)
			if len(tokens) != len(aggregators) {
				return nil, errors.New("_setAssetAggregatorBatch: length mismatch")
			}
			for i, token := range tokens {
				if err := cc.Set(keyed("aggregator", token), aggregators[i]); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}).
		HandleWrite("_setPrices(address[],uint256[])", func(cc *CallContext, args []any) ([]any, error) {
			if cc.From != cc.Address("poster") && cc.From != cc.Address("owner") {
				return nil, errors.New("_setPrices: only poster or owner")
			}
			tokens := args[0].([]common.Address)
			prices := args[1].([]*big.Int)
			if len(tokens) != len(prices) {
				return nil, errors.New("_setPrices: length mismatch")
			}
			for i, token := range tokens {
				if err := cc.Set(keyed("price", token), prices[i]); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
}

func defineFixedModel(k *Kind) {
	k.Handle("borrowRatesPerBlock(address)", "uint256", func(cc *CallContext, args []any) ([]any, error) {
		return []any{cc.Big(keyed("borrowRate", args[0].(common.Address)))}, nil
	}).
		HandleWrite("_setBorrowRate(address,uint256)", func(cc *CallContext, args []any) ([]any, error) {
			if err := onlyOwner(cc); err != nil {
				return nil, err
			}
			return nil, cc.Set(keyed("borrowRate", args[0].(common.Address)), args[1])
		})
}

func defineMarket(k *Kind, init string, fields []string) {
	k.HandleWrite(init, initializer(func(cc *CallContext, args []any) error {
		for i, field := range fields {
			if err := cc.Set(field, args[i]); err != nil {
				return err
			}
		}
		return nil
	})).
		Handle("name()", "string", getString("name")).
		Handle("symbol()", "string", getString("symbol")).
		Handle("controller()", "address", getAddress("controller")).
		Handle("underlying()", "address", getAddress("underlying")).
		Handle("reserveRatio()", "uint256", getBig("reserveRatio")).
		Handle("interestRateModel()", "address", getAddress("interestRateModel")).
		HandleWrite("_setNewReserveRatio(uint256)", func(cc *CallContext, args []any) ([]any, error) {
			if err := onlyOwner(cc); err != nil {
				return nil, err
			}
			if args[0].(*big.Int).Cmp(wad) > 0 {
				return nil, errors.New("_setNewReserveRatio: new reserve ratio too large")
			}
			return nil, cc.Set("reserveRatio", args[0])
		}).
		HandleWrite("_setInterestRateModel(address)", setOwned("interestRateModel"))
}
