package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Values holds the decoded outputs of one contract call, in ABI order.
type Values []any

func (v Values) at(i int) (any, error) {
	if i < 0 || i >= len(v) {
		return nil, &GatewayError{Op: "decode", Err: fmt.Errorf("output %d out of range (have %d)", i, len(v))}
	}
	return v[i], nil
}

func mismatch(i int, want string, got any) error {
	return &GatewayError{Op: "decode", Err: fmt.Errorf("output %d: expected %s, got %T", i, want, got)}
}

func (v Values) BigInt(i int) (*big.Int, error) {
	raw, err := v.at(i)
	if err != nil {
		return nil, err
	}
	switch n := raw.(type) {
	case *big.Int:
		if n == nil {
			return nil, mismatch(i, "*big.Int", raw)
		}
		return new(big.Int).Set(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case uint8:
		return big.NewInt(int64(n)), nil
	case uint32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, mismatch(i, "integer", raw)
	}
}

func (v Values) Uint64(i int) (uint64, error) {
	n, err := v.BigInt(i)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, &GatewayError{Op: "decode", Err: fmt.Errorf("output %d: %s does not fit in uint64", i, n)}
	}
	return n.Uint64(), nil
}

func (v Values) Bool(i int) (bool, error) {
	raw, err := v.at(i)
	if err != nil {
		return false, err
	}
	b, ok := raw.(bool)
	if !ok {
		return false, mismatch(i, "bool", raw)
	}
	return b, nil
}

func (v Values) Address(i int) (common.Address, error) {
	raw, err := v.at(i)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := raw.(common.Address)
	if !ok {
		return common.Address{}, mismatch(i, "address", raw)
	}
	return a, nil
}

func (v Values) Addresses(i int) ([]common.Address, error) {
	raw, err := v.at(i)
	if err != nil {
		return nil, err
	}
	as, ok := raw.([]common.Address)
	if !ok {
		return nil, mismatch(i, "address[]", raw)
	}
	out := make([]common.Address, len(as))
	copy(out, as)
	return out, nil
}
