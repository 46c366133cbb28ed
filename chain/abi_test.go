package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgTypesAreCanonical(t *testing.T) {
	cases := []struct {
		signature string
		want      []string
	}{
		{"_acceptOwner()", []string{}},
		{"_setReserveRatio(uint)", []string{"uint256"}},
		{"_setCollateralFactor(address,uint256)", []string{"address", "uint256"}},
		{"_setAssetAggregatorBatch(address[],address[])", []string{"address[]", "address[]"}},
		{"executeTransactions(address[],uint256[],string[],bytes[])", []string{"address[]", "uint256[]", "string[]", "bytes[]"}},
		{"_setPairs((address,int)[],bool)", []string{"(address,int256)[]", "bool"}},
	}
	for _, tc := range cases {
		got, err := ArgTypes(tc.signature)
		require.NoError(t, err, tc.signature)
		require.Equal(t, tc.want, got, tc.signature)
		for _, typ := range got {
			require.NotEmpty(t, typ, tc.signature)
		}
	}

	_, err := ArgTypes("notASignature")
	require.Error(t, err)
}

func TestCanonicalType(t *testing.T) {
	for raw, want := range map[string]string{
		"uint":              "uint256",
		" int ":             "int256",
		"uint[]":            "uint256[]",
		"uint8":             "uint8",
		"uint[3]":           "uint256[3]",
		"(address, uint)[]": "(address,uint256)[]",
		"bytes32":           "bytes32",
		"address":           "address",
	} {
		got, err := CanonicalType(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "uint7", "uint256[", "address,uint256"} {
		_, err := CanonicalType(raw)
		require.Error(t, err, raw)
	}
}
