package chaintest

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
	"github.com/stretchr/testify/require"

	"lendctl/errs"
)

func deploy(t *testing.T, c *Chain, kind string, args ...any) common.Address {
	t.Helper()
	data := c.Bytecode(kind)
	if len(args) > 0 {
		fn := w3.MustNewFunc("constructor("+c.kinds[kind].ctorArgs+")", "")
		packed, err := fn.Args.Pack(args...)
		require.NoError(t, err)
		data = append(data, packed...)
	}
	addr, receipt, err := c.Deploy(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, addr, receipt.ContractAddress)
	return addr
}

func send(t *testing.T, c *Chain, to common.Address, signature string, args ...any) error {
	t.Helper()
	data, err := w3.MustNewFunc(signature, "").EncodeArgs(args...)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), to, nil, data)
	return err
}

func read(t *testing.T, c *Chain, to common.Address, signature, returns string, args ...any) []any {
	t.Helper()
	fn := w3.MustNewFunc(signature, returns)
	data, err := fn.EncodeArgs(args...)
	require.NoError(t, err)
	out, err := c.Call(context.Background(), to, data)
	require.NoError(t, err)
	values, err := fn.Returns.Unpack(out)
	require.NoError(t, err)
	return values
}

func TestProxyRunsInitializerAsDeployer(t *testing.T) {
	c := NewLending(1)
	admin := deploy(t, c, KindProxyAdmin)
	impl := deploy(t, c, KindController)
	initData, err := w3.MustNewFunc("initialize()", "").EncodeArgs()
	require.NoError(t, err)
	proxy := deploy(t, c, KindProxy, impl, admin, initData)

	owner := read(t, c, proxy, "owner()", "address")
	require.Equal(t, DefaultSender, owner[0])
	// the implementation itself stays uninitialised.
	require.Nil(t, c.State(impl, "initialized"))
	require.Error(t, send(t, c, proxy, "initialize()"))
}

func TestFailedTransactionRollsBack(t *testing.T) {
	c := NewLending(1)
	oracle := deploy(t, c, KindPriceOracle, DefaultSender, big.NewInt(0))
	token := common.HexToAddress("0x0000000000000000000000000000000000000a01")

	err := send(t, c, oracle, "_setPrices(address[],uint256[])", []common.Address{token, token}, []*big.Int{big.NewInt(5)})
	require.ErrorIs(t, err, errs.ErrChainRejection)
	require.ErrorIs(t, err, ErrRevert)
	require.Nil(t, c.State(oracle, keyed("price", token)))

	writes := c.Writes()
	c.FailNext("_setPrices(address[],uint256[])", errors.New("boom"))
	err = send(t, c, oracle, "_setPrices(address[],uint256[])", []common.Address{token}, []*big.Int{big.NewInt(5)})
	require.Error(t, err)
	require.Equal(t, writes, c.Writes())

	require.NoError(t, send(t, c, oracle, "_setPrices(address[],uint256[])", []common.Address{token}, []*big.Int{big.NewInt(5)}))
	price := read(t, c, oracle, "getUnderlyingPrice(address)", "uint256", token)
	require.Equal(t, big.NewInt(5), price[0])
}

func TestTimelockExecutesAtomically(t *testing.T) {
	c := NewLending(1)
	timelock := deploy(t, c, KindTimelock)
	model := deploy(t, c, KindFixedModel)
	require.NoError(t, send(t, c, model, "_setPendingOwner(address)", timelock))

	token := common.HexToAddress("0x0000000000000000000000000000000000000a02")
	accept := []byte{}
	rate, err := abi.Arguments{{Type: mustType(t, "address")}, {Type: mustType(t, "uint256")}}.Pack(token, big.NewInt(42))
	require.NoError(t, err)

	// the second action fails, so the first must not stick either.
	err = send(t, c, timelock, "executeTransactions(address[],uint256[],string[],bytes[])",
		[]common.Address{model, model},
		[]*big.Int{new(big.Int), new(big.Int)},
		[]string{"_acceptOwner()", "_setBorrowRate(address,uint256)"},
		[][]byte{accept, {0x01}})
	require.ErrorIs(t, err, errs.ErrChainRejection)
	require.Equal(t, DefaultSender, c.State(model, "owner"))

	require.NoError(t, send(t, c, timelock, "executeTransactions(address[],uint256[],string[],bytes[])",
		[]common.Address{model, model},
		[]*big.Int{new(big.Int), new(big.Int)},
		[]string{"_acceptOwner()", "_setBorrowRate(address,uint256)"},
		[][]byte{accept, rate}))
	require.Equal(t, timelock, c.State(model, "owner"))
	require.Equal(t, big.NewInt(42), c.State(model, keyed("borrowRate", token)))
}

func TestStaticCallCannotWrite(t *testing.T) {
	c := NewLending(1)
	model := deploy(t, c, KindFixedModel)
	data, err := w3.MustNewFunc("_setBorrowRate(address,uint256)", "").EncodeArgs(common.Address{}, big.NewInt(1))
	require.NoError(t, err)
	_, err = c.Call(context.Background(), model, data)
	require.ErrorIs(t, err, ErrRevert)
}

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}
