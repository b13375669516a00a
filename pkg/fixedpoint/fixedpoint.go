// Package fixedpoint implements the signed decimal value used for every ledger
// calculation.
//
// A Value is an integer magnitude with an implicit scale of 10^18, bounded to
// the signed 128-bit range [-2^127, 2^127-1]. Values are immutable: every
// operation returns a new Value. Nothing in this package accepts or produces a
// binary floating-point number, and textual parsing truncates (never rounds)
// digits beyond the 18th fractional place.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Decimals is the number of fractional decimal digits carried by a Value.
const Decimals = 18

// maxInputLen bounds textual input before any big-integer work is attempted.
const maxInputLen = 128

var (
	// ErrOverflow is returned when a result exceeds the maximum representable value.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrUnderflow is returned when a result is below the minimum representable value.
	ErrUnderflow = errors.New("fixedpoint: underflow")
	// ErrDivisionByZero is returned for a zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrSyntax is returned for malformed decimal text.
	ErrSyntax = errors.New("fixedpoint: invalid decimal syntax")
)

var (
	scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	maxRaw      = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minRaw      = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	zeroRaw     = new(big.Int)
)

// decimalPattern is the accepted textual grammar: ^[+-]?[0-9]+(\.[0-9]+)?$
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Value is a fixed-point decimal. The zero Value is 0.
type Value struct {
	raw *big.Int // nil means zero; never mutated after construction
}

var (
	Zero = Value{}
	One  = FromInt(1)
	Two  = FromInt(2)
)

// Parse reads a decimal string such as "-12.5". Fractional digits past the
// 18th are truncated toward zero.
func Parse(s string) (Value, error) {
	if len(s) > maxInputLen || !decimalPattern.MatchString(s) {
		return Value{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}

	neg := false
	digits := s
	switch digits[0] {
	case '-':
		neg = true
		digits = digits[1:]
	case '+':
		digits = digits[1:]
	}

	intPart, fracPart, _ := strings.Cut(digits, ".")
	if len(fracPart) > Decimals {
		fracPart = fracPart[:Decimals]
	}
	fracPart += strings.Repeat("0", Decimals-len(fracPart))

	raw, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if neg {
		raw.Neg(raw)
	}
	return fromBig(raw)
}

// MustParse is Parse for constants known to be valid. It panics on error.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromInt returns the Value equal to the integer i.
func FromInt(i int64) Value {
	raw := new(big.Int).Mul(big.NewInt(i), scaleFactor)
	return normalize(raw)
}

// New returns mantissa × 10^-exp. Digits beyond the supported precision are
// truncated toward zero.
func New(mantissa int64, exp uint) Value {
	raw := big.NewInt(mantissa)
	if exp <= Decimals {
		raw.Mul(raw, pow10(Decimals-exp))
	} else {
		raw.Quo(raw, pow10(exp-Decimals))
	}
	return normalize(raw)
}

// FromRaw builds a Value from its scaled integer representation.
func FromRaw(raw *big.Int) (Value, error) {
	if raw == nil {
		return Value{}, nil
	}
	return fromBig(new(big.Int).Set(raw))
}

// MaxValue returns the largest representable Value.
func MaxValue() Value { return Value{raw: new(big.Int).Set(maxRaw)} }

// MinValue returns the smallest representable Value.
func MinValue() Value { return Value{raw: new(big.Int).Set(minRaw)} }

// Raw returns a copy of the scaled integer representation.
func (v Value) Raw() *big.Int {
	return new(big.Int).Set(v.big())
}

func (v Value) big() *big.Int {
	if v.raw == nil {
		return zeroRaw
	}
	return v.raw
}

// Add returns v + w.
func (v Value) Add(w Value) (Value, error) {
	return fromBig(new(big.Int).Add(v.big(), w.big()))
}

// Sub returns v - w.
func (v Value) Sub(w Value) (Value, error) {
	return fromBig(new(big.Int).Sub(v.big(), w.big()))
}

// Mul returns v × w, truncated toward zero.
func (v Value) Mul(w Value) (Value, error) {
	p := new(big.Int).Mul(v.big(), w.big())
	return fromBig(p.Quo(p, scaleFactor))
}

// Div returns v ÷ w, truncated toward zero.
func (v Value) Div(w Value) (Value, error) {
	if w.IsZero() {
		return Value{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(v.big(), scaleFactor)
	return fromBig(n.Quo(n, w.big()))
}

// MulInt returns v × n.
func (v Value) MulInt(n int64) (Value, error) {
	return fromBig(new(big.Int).Mul(v.big(), big.NewInt(n)))
}

// DivInt returns v ÷ n, truncated toward zero.
func (v Value) DivInt(n int64) (Value, error) {
	if n == 0 {
		return Value{}, ErrDivisionByZero
	}
	return fromBig(new(big.Int).Quo(v.big(), big.NewInt(n)))
}

// Half returns v ÷ 2, truncated toward zero. It cannot fail.
func (v Value) Half() Value {
	return normalize(new(big.Int).Quo(v.big(), big.NewInt(2)))
}

// Double returns v × 2.
func (v Value) Double() (Value, error) {
	return fromBig(new(big.Int).Lsh(v.big(), 1))
}

// Abs returns |v|. Abs of the minimum value overflows.
func (v Value) Abs() (Value, error) {
	return fromBig(new(big.Int).Abs(v.big()))
}

// Neg returns -v. Negating the minimum value overflows.
func (v Value) Neg() (Value, error) {
	return fromBig(new(big.Int).Neg(v.big()))
}

// Cmp returns -1, 0 or +1 as v is less than, equal to or greater than w.
func (v Value) Cmp(w Value) int {
	return v.big().Cmp(w.big())
}

// Equal reports whether v and w are the same value.
func (v Value) Equal(w Value) bool { return v.Cmp(w) == 0 }

// Sign returns -1, 0 or +1.
func (v Value) Sign() int { return v.big().Sign() }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.Sign() == 0 }

// IsNegative reports whether v < 0.
func (v Value) IsNegative() bool { return v.Sign() < 0 }

// Trunc returns the integer part of v, truncated toward zero.
func (v Value) Trunc() Value {
	q := new(big.Int).Quo(v.big(), scaleFactor)
	return normalize(q.Mul(q, scaleFactor))
}

// IsInteger reports whether v has no fractional part.
func (v Value) IsInteger() bool {
	return new(big.Int).Rem(v.big(), scaleFactor).Sign() == 0
}

// Int64 returns the integer part of v and whether it fits in an int64.
func (v Value) Int64() (int64, bool) {
	q := new(big.Int).Quo(v.big(), scaleFactor)
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

// String renders the canonical decimal form: no exponent, no trailing
// fractional zeros, no leading "+".
func (v Value) String() string {
	r := v.big()
	abs := new(big.Int).Abs(r)
	q, m := new(big.Int).QuoRem(abs, scaleFactor, new(big.Int))

	var b strings.Builder
	if r.Sign() < 0 {
		b.WriteByte('-')
	}
	b.WriteString(q.String())
	if m.Sign() != 0 {
		frac := m.String()
		frac = strings.Repeat("0", Decimals-len(frac)) + frac
		b.WriteByte('.')
		b.WriteString(strings.TrimRight(frac, "0"))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalJSON encodes the value as a JSON string so that no JSON number (and
// therefore no float) ever carries a ledger amount.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.String() + `"`), nil
}

// UnmarshalJSON accepts only a JSON string holding a decimal.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: amounts must be JSON strings, got %s", ErrSyntax, data)
	}
	return v.UnmarshalText(data[1 : len(data)-1])
}

func fromBig(r *big.Int) (Value, error) {
	if r.Cmp(maxRaw) > 0 {
		return Value{}, ErrOverflow
	}
	if r.Cmp(minRaw) < 0 {
		return Value{}, ErrUnderflow
	}
	return normalize(r), nil
}

func normalize(r *big.Int) Value {
	if r.Sign() == 0 {
		return Value{}
	}
	return Value{raw: r}
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
