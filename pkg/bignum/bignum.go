// Package bignum provides a JSON codec for arbitrary-precision integers.
//
// Token amounts, prices, and balances must survive persistence without loss,
// so they are encoded as a tagged object {"type":"BigInt","value":"<decimal>"}
// instead of a native JSON number.
package bignum

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Int wraps big.Int with the tagged JSON encoding.
// The zero value is a usable zero.
type Int struct {
	i big.Int
}

type wire struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// New returns an Int holding v.
func New(v int64) *Int {
	n := &Int{}
	n.i.SetInt64(v)
	return n
}

// FromBig returns an Int holding a copy of v. A nil v yields zero.
func FromBig(v *big.Int) *Int {
	n := &Int{}
	if v != nil {
		n.i.Set(v)
	}
	return n
}

// Parse decodes a decimal string.
func Parse(s string) (*Int, error) {
	n := &Int{}
	if _, ok := n.i.SetString(s, 10); !ok {
		return nil, fmt.Errorf("bignum: invalid decimal %q", s)
	}
	return n, nil
}

// Big returns a copy of the underlying big.Int.
func (n *Int) Big() *big.Int {
	return new(big.Int).Set(&n.i)
}

// Int64 returns the value as int64. Only valid when the value fits.
func (n *Int) Int64() int64 { return n.i.Int64() }

// Sign reports -1, 0, or +1.
func (n *Int) Sign() int { return n.i.Sign() }

// Cmp compares n and o.
func (n *Int) Cmp(o *Int) int { return n.i.Cmp(&o.i) }

// String returns the decimal representation.
func (n *Int) String() string { return n.i.String() }

// MarshalJSON encodes the tagged object form.
func (n *Int) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Type: "BigInt", Value: n.i.String()})
}

// UnmarshalJSON accepts the tagged object form, a bare decimal string, or a
// JSON number. The latter two appear in files written before the tagged
// encoding was introduced.
func (n *Int) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err == nil && w.Type == "BigInt" {
		if _, ok := n.i.SetString(w.Value, 10); !ok {
			return fmt.Errorf("bignum: invalid BigInt value %q", w.Value)
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if _, ok := n.i.SetString(s, 10); !ok {
			return fmt.Errorf("bignum: invalid decimal %q", s)
		}
		return nil
	}

	var f json.Number
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("bignum: cannot decode %s", string(data))
	}
	if _, ok := n.i.SetString(f.String(), 10); !ok {
		return fmt.Errorf("bignum: non-integer number %s", f.String())
	}
	return nil
}
