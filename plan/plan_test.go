package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lendctl/errs"
	"lendctl/mantissa"
)

func TestLoadResolvesTargets(t *testing.T) {
	p, err := Load(filepath.Join("testdata", "kovan.yaml"))
	require.NoError(t, err)

	require.Equal(t, "kovan", p.Network.Name)
	require.Equal(t, int64(42), p.Network.ChainID)
	require.Equal(t, "500000000000000000", p.Network.Resolved.CloseFactor.String())
	require.Equal(t, "1100000000000000000", p.Network.Resolved.LiquidationIncentive.String())
	require.Equal(t, common.HexToAddress("0x5Cc5d6A9A0f0E1b6D3E1a1f6b1c6c2d0a9E4F003"), p.Network.Resolved.Timelock)

	require.Len(t, p.Assets, 3)
	require.Equal(t, []string{"iUSDC", "iETH", "iMUSX"}, []string{p.Assets[0].Key, p.Assets[1].Key, p.Assets[2].Key})

	usdc, ok := p.Asset("iUSDC")
	require.True(t, ok)
	require.False(t, usdc.Pegged())
	require.Equal(t, "100000000000000000", usdc.Resolved.ReserveRatio.String())
	require.Equal(t, "10000000000000", usdc.Resolved.BorrowCapacity.String())
	require.Equal(t, 0, usdc.Resolved.SupplyCapacity.Cmp(mantissa.Max()))
	require.Nil(t, usdc.Resolved.BorrowRate)

	eth, ok := p.Asset("iETH")
	require.True(t, ok)
	require.Equal(t, uint8(18), eth.Decimals)
	require.Equal(t, common.Address{}, eth.Resolved.Underlying)

	musx, ok := p.Asset("iMUSX")
	require.True(t, ok)
	require.True(t, musx.Pegged())
	require.Equal(t, "1000000000000000000", musx.Resolved.Price.String())
	require.Equal(t, "23208440471", musx.Resolved.BorrowRate.String())

	require.True(t, p.HasKind(KindIMSD))
}

func TestParseRejects(t *testing.T) {
	raw := mustRead(t)
	tests := []struct {
		name    string
		mutate  func(string) string
		message string
	}{
		{"unknown field", func(s string) string { return s + "\nextra: 1\n" }, "extra"},
		{"reserve ratio above one", func(s string) string {
			return strings.Replace(s, `reserveRatio: "0.15"`, `reserveRatio: "1.5"`, 1)
		}, "reserveRatio"},
		{"aggregator and price", func(s string) string {
			return strings.Replace(s, `    price: "1"`, "    price: \"1\"\n    aggregator: \"0x9326BFA02ADD2366b30bacB125260Af641031331\"", 1)
		}, "mutually exclusive"},
		{"apy without fixed model", func(s string) string {
			return strings.Replace(s, "interestModel: fixedInterestModel", "interestModel: nonStableInterestModel", 1)
		}, "fixed-rate"},
		{"unknown kind", func(s string) string {
			return strings.Replace(s, "contract: iETH", "contract: iBTC", 1)
		}, "unknown contract kind"},
		{"bad address", func(s string) string {
			return strings.Replace(s, `poster: "0x5Cc5d6A9A0f0E1b6D3E1a1f6b1c6c2d0a9E4F001"`, `poster: "0x123"`, 1)
		}, "poster"},
		{"too precise", func(s string) string {
			return strings.Replace(s, `borrowCapacity: "10_000_000"`, `borrowCapacity: "0.0000001"`, 1)
		}, "borrowCapacity"},
		{"underlying without decimals", func(s string) string {
			return strings.Replace(s, "    decimals: 6\n", "", 1)
		}, "decimals of the underlying token required"},
		{"network name with a path", func(s string) string {
			return strings.Replace(s, "name: kovan", "name: ../kovan", 1)
		}, "network name"},
		{"network name with a separator", func(s string) string {
			return strings.Replace(s, "name: kovan", `name: "kovan/main"`, 1)
		}, "network name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate(raw)))
			require.ErrorIs(t, err, errs.ErrConfiguration)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestHandOverRequiresTimelock(t *testing.T) {
	raw := strings.Replace(mustRead(t), `  timelock: "0x5Cc5d6A9A0f0E1b6D3E1a1f6b1c6c2d0a9E4F003"`+"\n", "", 1)
	_, err := Parse([]byte(raw))
	require.NoError(t, err)

	_, err = Parse([]byte(raw + "\nhandOver: true\n"))
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func mustRead(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "kovan.yaml"))
	require.NoError(t, err)
	return string(data)
}
