package arith

import (
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Ln2 is ln(2) truncated to 18 decimals.
var Ln2 = fixedpoint.MustParse("0.693147180559945309")

// Integer exponents accepted by TwoPow.
const (
	twoPowMin = -64
	twoPowMax = 66
)

var half = fixedpoint.MustParse("0.5")

// expSeries returns e^x for |x| within the configured domain. Negative
// arguments are evaluated as the reciprocal of e^|x|.
func expSeries(x fixedpoint.Value, terms int) (fixedpoint.Value, error) {
	if x.IsNegative() {
		ax, err := x.Abs()
		if err != nil {
			return fixedpoint.Value{}, err
		}
		pos, err := expPositive(ax, terms)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		return fixedpoint.One.Div(pos)
	}
	return expPositive(x, terms)
}

func expPositive(x fixedpoint.Value, terms int) (fixedpoint.Value, error) {
	sum := fixedpoint.One
	term := fixedpoint.One
	var err error
	for n := int64(1); n < int64(terms); n++ {
		if term, err = term.Mul(x); err != nil {
			return fixedpoint.Value{}, err
		}
		if term, err = term.DivInt(n); err != nil {
			return fixedpoint.Value{}, err
		}
		if sum, err = sum.Add(term); err != nil {
			return fixedpoint.Value{}, err
		}
	}
	return sum, nil
}

// lnSeries returns ln(x) for x > 0. x is scaled by powers of two into
// [0.5, 2], where ln(m) = 2·atanh((m-1)/(m+1)) converges quickly.
func lnSeries(x fixedpoint.Value, terms int) (fixedpoint.Value, error) {
	m := x
	k := int64(0)
	var err error
	for m.Cmp(fixedpoint.Two) > 0 {
		m = m.Half()
		k++
	}
	for m.Cmp(half) < 0 {
		if m, err = m.Double(); err != nil {
			return fixedpoint.Value{}, err
		}
		k--
	}

	num, err := m.Sub(fixedpoint.One)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	den, err := m.Add(fixedpoint.One)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	z, err := num.Div(den)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	z2, err := z.Mul(z)
	if err != nil {
		return fixedpoint.Value{}, err
	}

	sum := fixedpoint.Zero
	power := z
	for i := 0; i < terms; i++ {
		t, err := power.DivInt(int64(2*i + 1))
		if err != nil {
			return fixedpoint.Value{}, err
		}
		if sum, err = sum.Add(t); err != nil {
			return fixedpoint.Value{}, err
		}
		if power, err = power.Mul(z2); err != nil {
			return fixedpoint.Value{}, err
		}
	}

	atanh2, err := sum.Double()
	if err != nil {
		return fixedpoint.Value{}, err
	}
	kln2, err := Ln2.MulInt(k)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return atanh2.Add(kln2)
}

// sqrtNewton returns √x for x ≥ 0 using a fixed number of Newton steps from a
// power-of-two seed at or above the root.
func sqrtNewton(x fixedpoint.Value, steps int) (fixedpoint.Value, error) {
	if x.IsZero() {
		return fixedpoint.Zero, nil
	}

	y := fixedpoint.One
	if x.Cmp(fixedpoint.One) > 0 {
		for {
			q, err := x.Div(y)
			if err != nil {
				return fixedpoint.Value{}, err
			}
			if q.Cmp(y) <= 0 {
				break
			}
			if y, err = y.Double(); err != nil {
				return fixedpoint.Value{}, err
			}
		}
	} else {
		for {
			h := y.Half()
			if h.IsZero() {
				break
			}
			q, err := x.Div(h)
			if err != nil {
				return fixedpoint.Value{}, err
			}
			if q.Cmp(h) > 0 {
				break
			}
			y = h
		}
	}

	for i := 0; i < steps; i++ {
		q, err := x.Div(y)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		s, err := y.Add(q)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		next := s.Half()
		if next.IsZero() {
			break
		}
		y = next
	}
	return y, nil
}

// phiContinuedFraction evaluates φ = 1 + 1/φ for a fixed number of steps.
func phiContinuedFraction(steps int) (fixedpoint.Value, error) {
	p := fixedpoint.One
	for i := 0; i < steps; i++ {
		inv, err := fixedpoint.One.Div(p)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		if p, err = fixedpoint.One.Add(inv); err != nil {
			return fixedpoint.Value{}, err
		}
	}
	return p, nil
}

// twoPowInt returns 2^n for an integer n in [twoPowMin, twoPowMax].
func twoPowInt(n int64) (fixedpoint.Value, error) {
	if n >= 0 {
		r := fixedpoint.One
		var err error
		for i := int64(0); i < n; i++ {
			if r, err = r.Double(); err != nil {
				return fixedpoint.Value{}, err
			}
		}
		return r, nil
	}
	den, err := twoPowInt(-n)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return fixedpoint.One.Div(den)
}
