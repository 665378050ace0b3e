package domain

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var weiPerEth = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Wei is an exact unsigned amount of wei. The zero value is 0.
type Wei struct {
	v uint256.Int
}

func NewWei(n uint64) Wei {
	var w Wei
	w.v.SetUint64(n)
	return w
}

// WeiFromDecimal parses a base-10 wei amount such as the relay data API returns.
func WeiFromDecimal(s string) (Wei, error) {
	var w Wei
	if err := w.v.SetFromDecimal(s); err != nil {
		return Wei{}, errors.Wrapf(err, "invalid wei amount %q", s)
	}
	return w, nil
}

// WeiFromBig converts a non-negative big.Int, failing on overflow.
func WeiFromBig(b *big.Int) (Wei, error) {
	if b == nil {
		return Wei{}, nil
	}
	if b.Sign() < 0 {
		return Wei{}, errors.Errorf("negative wei amount %s", b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Wei{}, errors.Errorf("wei amount %s overflows 256 bits", b)
	}
	return Wei{v: *v}, nil
}

func (w Wei) IsZero() bool {
	return w.v.IsZero()
}

func (w Wei) Cmp(o Wei) int {
	return w.v.Cmp(&o.v)
}

func (w Wei) Add(o Wei) Wei {
	var r Wei
	r.v.Add(&w.v, &o.v)
	return r
}

// Sub returns w-o and false when the result would be negative.
func (w Wei) Sub(o Wei) (Wei, bool) {
	var r Wei
	if _, underflow := r.v.SubOverflow(&w.v, &o.v); underflow {
		return Wei{}, false
	}
	return r, true
}

// Div returns w/n, or zero when n is zero.
func (w Wei) Div(n uint64) Wei {
	if n == 0 {
		return Wei{}
	}
	var r Wei
	r.v.Div(&w.v, uint256.NewInt(n))
	return r
}

// ETH converts to ether for display. Precision loss is acceptable here only.
func (w Wei) ETH() float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(w.v.ToBig()), weiPerEth).Float64()
	return f
}

func (w Wei) String() string {
	return w.v.Dec()
}

func (w Wei) MarshalText() ([]byte, error) {
	return []byte(w.v.Dec()), nil
}

func (w *Wei) UnmarshalText(text []byte) error {
	parsed, err := WeiFromDecimal(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
