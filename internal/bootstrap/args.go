package bootstrap

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// scope is what constructor placeholders resolve against. Contracts and tokens
// fill up as the run deploys them, so a placeholder may only name earlier ones.
type scope struct {
	ids       keys.Identities
	contracts map[string]string
	tokens    map[string]string
}

// args resolves placeholders in raw and converts every value to the Go type the
// ABI argument expects.
func (s scope) args(inputs abi.Arguments, raw []any) ([]any, error) {
	if len(raw) != len(inputs) {
		return nil, fmt.Errorf("constructor takes %d arguments, %d configured", len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, in := range inputs {
		v, err := s.resolve(raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, in.Name, err)
		}
		if out[i], err = convert(in.Type, v); err != nil {
			return nil, fmt.Errorf("argument %d (%s %s): %w", i, in.Name, in.Type, err)
		}
	}
	return out, nil
}

func (s scope) resolve(v any) (any, error) {
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := s.resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		if !strings.HasPrefix(v, "@") {
			return v, nil
		}
		return s.placeholder(v[1:])
	default:
		return v, nil
	}
}

func (s scope) placeholder(name string) (any, error) {
	switch name {
	case "owner":
		return keys.Address(s.ids.Owner), nil
	case "operator":
		return keys.Address(s.ids.Operator), nil
	case "relayer":
		return keys.Address(s.ids.Relayer), nil
	case "admins":
		return s.ids.AdminAddresses(), nil
	case "threshold":
		return s.ids.Threshold, nil
	}
	if role, ok := strings.CutPrefix(name, "contract."); ok {
		addr, ok := s.contracts[role]
		if !ok {
			return nil, fmt.Errorf("@%s: contract %q is not deployed yet", name, role)
		}
		return common.HexToAddress(addr), nil
	}
	if symbol, ok := strings.CutPrefix(name, "token."); ok {
		addr, ok := s.tokens[symbol]
		if !ok {
			return nil, fmt.Errorf("@%s: token %q is not deployed yet", name, symbol)
		}
		return common.HexToAddress(addr), nil
	}
	return nil, fmt.Errorf("unknown placeholder @%s", name)
}

func convert(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprint(v), nil
		}
		return s, nil
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
		return nil, fmt.Errorf("cannot use %T as bool", v)
	case abi.BytesTy:
		return toBytes(v)
	case abi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("%d bytes do not fit bytes%d", len(b), t.Size)
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.IntTy, abi.UintTy:
		return toInteger(t, v)
	case abi.SliceTy, abi.ArrayTy:
		return toList(t, v)
	}
	return nil, fmt.Errorf("unsupported constructor type %s", t)
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		if err := descriptor.ValidateAddress(a); err != nil {
			return common.Address{}, err
		}
		return common.HexToAddress(a), nil
	}
	return common.Address{}, fmt.Errorf("cannot use %T as address", v)
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case common.Hash:
		return b.Bytes(), nil
	case string:
		if !strings.HasPrefix(b, "0x") {
			return []byte(b), nil
		}
		return hexutil.Decode(b)
	}
	return nil, fmt.Errorf("cannot use %T as bytes", v)
}

func toInteger(t abi.Type, v any) (any, error) {
	n, err := parseBig(v)
	if err != nil {
		return nil, err
	}
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s overflows uint%d", n, t.Size)
		}
	} else if n.BitLen() > t.Size-1 {
		return nil, fmt.Errorf("%s overflows int%d", n, t.Size)
	}

	goType := t.GetType()
	if goType == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}
	out := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func toList(t abi.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as %s", v, t)
	}
	n := rv.Len()
	var out reflect.Value
	if t.T == abi.ArrayTy {
		if n != t.Size {
			return nil, fmt.Errorf("%s needs %d elements, got %d", t, t.Size, n)
		}
		out = reflect.New(t.GetType()).Elem()
	} else {
		out = reflect.MakeSlice(t.GetType(), n, n)
	}
	for i := 0; i < n; i++ {
		elem, err := convert(*t.Elem, rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(elem))
	}
	return out.Interface(), nil
}

// parseBig accepts Go integers, integral floats, and strings in decimal, 0x hex
// or scientific notation. Underscores in strings are digit separators.
func parseBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("%v is not an integer; quote large values", n)
		}
		return big.NewInt(int64(n)), nil
	case string:
		return parseBigString(n)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func parseBigString(raw string) (*big.Int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if hex, ok := strings.CutPrefix(s, "0x"); ok {
		n, ok := new(big.Int).SetString(hex, 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex integer %q", raw)
		}
		return n, nil
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		return parseScientific(raw, s[:i], s[i+1:])
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func parseScientific(raw, mantissa, exponent string) (*big.Int, error) {
	exp, err := strconv.Atoi(exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent in %q", raw)
	}
	whole, frac, _ := strings.Cut(mantissa, ".")
	exp -= len(frac)
	if exp < 0 {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)), nil
}
