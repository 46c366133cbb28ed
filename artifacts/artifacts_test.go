package artifacts

import (
	"math/big"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const ctorABI = `[{"type":"constructor","inputs":[{"name":"poster","type":"address"},{"name":"maxSwing","type":"uint256"}],"stateMutability":"nonpayable"}]`

func TestResolveLayouts(t *testing.T) {
	fsys := fstest.MapFS{
		"PriceOracleV2.json":                       {Data: []byte(`{"abi":` + ctorABI + `,"bytecode":"0x6080"}`)},
		"Controller.sol/Controller.json":           {Data: []byte(`{"abi":[],"bytecode":{"object":"0x6001"}}`)},
		"Linked.json":                              {Data: []byte(`{"abi":[],"bytecode":"0x60__$abcdef$__"}`)},
		"ControllerStock.sol/ControllerStock.json": {Data: []byte(`{"abi":[],"bytecode":"0x6002"}`)},
	}
	dir := NewDir(fsys, map[string]string{"ControllerV2": "ControllerStock"})

	oracle, err := dir.Resolve("PriceOracleV2")
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x80}, oracle.Bytecode)
	require.Len(t, oracle.Constructor(), 2)

	controller, err := dir.Resolve("Controller")
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x01}, controller.Bytecode)

	aliased, err := dir.Resolve("ControllerV2")
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x02}, aliased.Bytecode)

	_, err = dir.Resolve("Linked")
	require.ErrorIs(t, err, ErrUnlinked)

	_, err = dir.Resolve("Missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeployDataAppendsConstructorArgs(t *testing.T) {
	artifact, err := Parse("PriceOracleV2", []byte(`{"abi":`+ctorABI+`,"bytecode":"0x6080"}`))
	require.NoError(t, err)
	poster := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	data, err := artifact.DeployData(poster, big.NewInt(10))
	require.NoError(t, err)
	require.Len(t, data, 2+64)
	require.Equal(t, []byte{0x60, 0x80}, data[:2])
	require.Equal(t, poster, common.BytesToAddress(data[2:34]))
	require.Equal(t, int64(10), new(big.Int).SetBytes(data[34:]).Int64())
}

func TestCoerceArgs(t *testing.T) {
	artifact, err := Parse("PriceOracleV2", []byte(`{"abi":`+ctorABI+`,"bytecode":"0x6080"}`))
	require.NoError(t, err)

	values, err := CoerceArgs(artifact.Constructor(), []string{"0x00000000000000000000000000000000000000a1", "0.1"})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xa1"), values[0])
	require.Equal(t, "100000000000000000", values[1].(*big.Int).String())

	_, err = CoerceArgs(artifact.Constructor(), []string{"nope", "1"})
	require.Error(t, err)
	_, err = CoerceArgs(artifact.Constructor(), []string{"0x00000000000000000000000000000000000000a1"})
	require.Error(t, err)
	_, err = CoerceArgs(artifact.Constructor(), []string{"0x00000000000000000000000000000000000000a1", "-1"})
	require.Error(t, err)
}

func TestCoerceSizedTypes(t *testing.T) {
	u8, err := abi.NewType("uint8", "", nil)
	require.NoError(t, err)
	v, err := Coerce(u8, "18")
	require.NoError(t, err)
	require.Equal(t, uint8(18), v)
	_, err = Coerce(u8, "256")
	require.Error(t, err)

	b32, err := abi.NewType("bytes32", "", nil)
	require.NoError(t, err)
	v, err = Coerce(b32, "0x11"+strings.Repeat("00", 31))
	require.NoError(t, err)
	arr := v.([32]byte)
	require.Equal(t, byte(0x11), arr[0])

	boolean, err := abi.NewType("bool", "", nil)
	require.NoError(t, err)
	v, err = Coerce(boolean, "true")
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestCoerceSignedBounds(t *testing.T) {
	i256, err := abi.NewType("int256", "", nil)
	require.NoError(t, err)
	top := new(big.Int).Lsh(big.NewInt(1), 255)

	_, err = Coerce(i256, top.String())
	require.Error(t, err)
	v, err := Coerce(i256, new(big.Int).Sub(top, big.NewInt(1)).String())
	require.NoError(t, err)
	require.Equal(t, 255, v.(*big.Int).BitLen())
	v, err = Coerce(i256, new(big.Int).Neg(top).String())
	require.NoError(t, err)
	require.Equal(t, -1, v.(*big.Int).Sign())
	_, err = Coerce(i256, new(big.Int).Neg(new(big.Int).Add(top, big.NewInt(1))).String())
	require.Error(t, err)

	i8, err := abi.NewType("int8", "", nil)
	require.NoError(t, err)
	v, err = Coerce(i8, "-128")
	require.NoError(t, err)
	require.Equal(t, int8(-128), v)
	_, err = Coerce(i8, "128")
	require.Error(t, err)
}

func TestCoerceDecimalPointMeansMantissa(t *testing.T) {
	u256, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	for raw, want := range map[string]string{
		"1":      "1",
		"1.0":    "1000000000000000000",
		"0.05":   "50000000000000000",
		"10_000": "10000",
	} {
		v, err := Coerce(u256, raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, v.(*big.Int).String(), raw)
	}
}
