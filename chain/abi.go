package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lmittmann/w3"
)

var funcs sync.Map

// Func returns the parsed function for a signature such as
// "_setCollateralFactor(address,uint256)" and its comma separated return
// types. Parsed functions are cached by signature.
func Func(signature, returns string) (*w3.Func, error) {
	signature = strings.TrimSpace(signature)
	returns = strings.TrimSpace(returns)
	key := signature + "|" + returns
	if cached, ok := funcs.Load(key); ok {
		return cached.(*w3.Func), nil
	}
	fn, err := w3.NewFunc(signature, returns)
	if err != nil {
		return nil, fmt.Errorf("parse function %q: %w", signature, err)
	}
	funcs.Store(key, fn)
	return fn, nil
}

// ArgTypes returns the canonical ABI type names of a signature's inputs,
// e.g. ["address", "uint256"] for "_setReserveRatio(address,uint)".
func ArgTypes(signature string) ([]string, error) {
	fn, err := Func(signature, "")
	if err != nil {
		return nil, err
	}
	types := splitTypes(fn.Signature)
	if len(types) != len(fn.Args) {
		return nil, fmt.Errorf("parse function %q: %d arguments but %d types", signature, len(fn.Args), len(types))
	}
	return types, nil
}

// CanonicalType normalises a single ABI type name, so "uint" and
// "uint256" both yield "uint256" and "(address, uint)[]" yields
// "(address,uint256)[]".
func CanonicalType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty type")
	}
	fn, err := Func("t("+raw+")", "")
	if err != nil {
		return "", fmt.Errorf("invalid type %q: %w", raw, err)
	}
	types := splitTypes(fn.Signature)
	if len(types) != 1 {
		return "", fmt.Errorf("invalid type %q: %d types", raw, len(types))
	}
	return types[0], nil
}

// splitTypes cuts the parameter list of a canonical signature at the
// commas outside tuple parentheses.
func splitTypes(signature string) []string {
	open := strings.IndexByte(signature, '(')
	end := strings.LastIndexByte(signature, ')')
	if open < 0 || end <= open {
		return nil
	}
	inner := signature[open+1 : end]
	if inner == "" {
		return []string{}
	}
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, inner[start:i])
				start = i + 1
			}
		}
	}
	return append(out, inner[start:])
}

// Encode returns selector-prefixed calldata for signature.
func Encode(signature string, args ...any) ([]byte, error) {
	fn, err := Func(signature, "")
	if err != nil {
		return nil, err
	}
	data, err := fn.EncodeArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", signature, err)
	}
	return data, nil
}

// Decode unpacks the return data of a call into ABI values.
func Decode(signature, returns string, output []byte) ([]any, error) {
	fn, err := Func(signature, returns)
	if err != nil {
		return nil, err
	}
	if len(fn.Returns) > 0 && len(output) == 0 {
		return nil, fmt.Errorf("decode %s: empty return data", signature)
	}
	values, err := fn.Returns.Unpack(output)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", signature, err)
	}
	return values, nil
}
