package artifacts

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"lendctl/mantissa"
)

// CoerceArgs converts plan strings into Go values matching inputs.
//
// Integer values are read literally unless they carry a decimal point, in
// which case they are 10^18 mantissas: "1" is 1 while "1.0" is 1e18 and
// "0.05" is 5e16. "max" is the largest unsigned 256-bit value.
func CoerceArgs(inputs abi.Arguments, values []string) ([]any, error) {
	if len(inputs) != len(values) {
		return nil, fmt.Errorf("want %d constructor arguments, got %d", len(inputs), len(values))
	}
	out := make([]any, len(values))
	for i, input := range inputs {
		v, err := Coerce(input.Type, values[i])
		if err != nil {
			label := input.Name
			if label == "" {
				label = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", label, input.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

// Coerce converts one string into a value of typ.
func Coerce(typ abi.Type, raw string) (any, error) {
	value := strings.TrimSpace(raw)
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(value) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(value), nil
	case abi.BoolTy:
		return strconv.ParseBool(value)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(value)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(value)
		if err != nil {
			return nil, err
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", typ.Size, len(b))
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.UintTy, abi.IntTy:
		return coerceInt(typ, value)
	default:
		return nil, fmt.Errorf("unsupported type %s", typ.String())
	}
}

func coerceInt(typ abi.Type, value string) (any, error) {
	var n *big.Int
	if strings.Contains(value, ".") || strings.EqualFold(value, "max") {
		scaled, err := mantissa.Parse(value)
		if err != nil {
			return nil, err
		}
		n = scaled
	} else {
		parsed, ok := new(big.Int).SetString(strings.ReplaceAll(value, "_", ""), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", value)
		}
		n = parsed
	}
	if err := fitsInt(typ, n); err != nil {
		return nil, err
	}
	if typ.Size > 64 {
		return n, nil
	}
	goType := typ.GetType()
	if typ.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
}

// fitsInt bounds n to [0, 2^size) for unsigned and [-2^(size-1), 2^(size-1))
// for signed types.
func fitsInt(typ abi.Type, n *big.Int) error {
	if typ.T == abi.UintTy {
		if n.Sign() < 0 {
			return fmt.Errorf("negative value for %s", typ.String())
		}
		if n.BitLen() > typ.Size {
			return fmt.Errorf("value overflows %s", typ.String())
		}
		return nil
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(typ.Size-1))
	if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
		return fmt.Errorf("value overflows %s", typ.String())
	}
	return nil
}
