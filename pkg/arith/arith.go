// Package arith is the certified arithmetic layer: every operation validates
// its domain, computes with fixedpoint values only, and appends exactly one
// entry to the bundle's operation log after it succeeds. A failed operation
// leaves the log untouched.
package arith

import (
	"errors"
	"fmt"
	"maps"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/oplog"
)

// Operation names as they appear in the log.
const (
	OpAdd       = "add"
	OpSub       = "sub"
	OpMul       = "mul"
	OpDiv       = "div"
	OpAbs       = "abs"
	OpCompare   = "compare"
	OpSqrt      = "sqrt"
	OpExp       = "exp"
	OpLn        = "ln"
	OpPow       = "pow"
	OpPhiSeries = "phi_series"
	OpTwoPow    = "two_pow"
	OpObserve   = "observe"
	OpClamp     = "clamp"
)

// ErrDomain is returned when an argument is outside an operation's domain.
var ErrDomain = errors.New("arith: argument outside domain")

// Error carries the stable code of a failed operation.
type Error struct {
	Code errcodes.Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("arith: %s: %v (%s)", e.Op, e.Err, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code carried by err, or ArithDomain if err does not
// originate from this package.
func CodeOf(err error) errcodes.Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return classify(err)
}

func classify(err error) errcodes.Code {
	switch {
	case errors.Is(err, fixedpoint.ErrOverflow):
		return errcodes.ArithOverflow
	case errors.Is(err, fixedpoint.ErrUnderflow):
		return errcodes.ArithUnderflow
	case errors.Is(err, fixedpoint.ErrDivisionByZero):
		return errcodes.ArithDivZero
	case errors.Is(err, fixedpoint.ErrSyntax):
		return errcodes.ArithSerialization
	default:
		return errcodes.ArithDomain
	}
}

func fail(op string, err error) error {
	return &Error{Code: classify(err), Op: op, Err: err}
}

// Config fixes the iteration counts of the transcendental series so output
// is identical on every platform.
type Config struct {
	ExpTerms  int              `json:"exp_terms" yaml:"exp_terms"`
	LnTerms   int              `json:"ln_terms" yaml:"ln_terms"`
	SqrtSteps int              `json:"sqrt_steps" yaml:"sqrt_steps"`
	PhiSteps  int              `json:"phi_steps" yaml:"phi_steps"`
	ExpLimit  fixedpoint.Value `json:"exp_limit" yaml:"exp_limit"`
}

// DefaultConfig returns the reference iteration counts.
func DefaultConfig() Config {
	return Config{
		ExpTerms:  80,
		LnTerms:   40,
		SqrtSteps: 64,
		PhiSteps:  90,
		ExpLimit:  fixedpoint.FromInt(15),
	}
}

// Validate rejects non-positive iteration counts.
func (c Config) Validate() error {
	if c.ExpTerms < 1 || c.LnTerms < 1 || c.SqrtSteps < 1 || c.PhiSteps < 1 {
		return fmt.Errorf("arith: iteration counts must be positive: %+v", c)
	}
	if c.ExpLimit.IsNegative() {
		return fmt.Errorf("arith: exp limit must be positive, got %s", c.ExpLimit)
	}
	return nil
}

// Engine performs logged arithmetic against one operation log.
type Engine struct {
	cfg      Config
	log      *oplog.Context
	metadata map[string]string
}

// New returns an Engine appending to log. Zero fields in cfg take defaults.
func New(log *oplog.Context, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ExpTerms == 0 {
		cfg.ExpTerms = def.ExpTerms
	}
	if cfg.LnTerms == 0 {
		cfg.LnTerms = def.LnTerms
	}
	if cfg.SqrtSteps == 0 {
		cfg.SqrtSteps = def.SqrtSteps
	}
	if cfg.PhiSteps == 0 {
		cfg.PhiSteps = def.PhiSteps
	}
	if cfg.ExpLimit.IsZero() {
		cfg.ExpLimit = def.ExpLimit
	}
	return &Engine{cfg: cfg, log: log}
}

// WithMetadata returns an Engine sharing the same log that stamps md on every
// entry it appends.
func (e *Engine) WithMetadata(md map[string]string) *Engine {
	merged := maps.Clone(e.metadata)
	if merged == nil {
		merged = make(map[string]string, len(md))
	}
	maps.Copy(merged, md)
	return &Engine{cfg: e.cfg, log: e.log, metadata: merged}
}

// Log returns the underlying operation log.
func (e *Engine) Log() *oplog.Context { return e.log }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) record(op string, out fixedpoint.Value, inputs ...fixedpoint.Value) (fixedpoint.Value, error) {
	if _, err := e.log.Append(op, inputs, out, e.metadata); err != nil {
		return fixedpoint.Value{}, &Error{Code: errcodes.Halted, Op: op, Err: err}
	}
	return out, nil
}

// Add returns a + b.
func (e *Engine) Add(a, b fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := a.Add(b)
	if err != nil {
		return fixedpoint.Value{}, fail(OpAdd, err)
	}
	return e.record(OpAdd, r, a, b)
}

// Sub returns a - b.
func (e *Engine) Sub(a, b fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := a.Sub(b)
	if err != nil {
		return fixedpoint.Value{}, fail(OpSub, err)
	}
	return e.record(OpSub, r, a, b)
}

// Mul returns a × b.
func (e *Engine) Mul(a, b fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := a.Mul(b)
	if err != nil {
		return fixedpoint.Value{}, fail(OpMul, err)
	}
	return e.record(OpMul, r, a, b)
}

// Div returns a ÷ b.
func (e *Engine) Div(a, b fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := a.Div(b)
	if err != nil {
		return fixedpoint.Value{}, fail(OpDiv, err)
	}
	return e.record(OpDiv, r, a, b)
}

// Abs returns |a|.
func (e *Engine) Abs(a fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := a.Abs()
	if err != nil {
		return fixedpoint.Value{}, fail(OpAbs, err)
	}
	return e.record(OpAbs, r, a)
}

// Compare returns -1, 0 or +1 and logs the result as a value.
func (e *Engine) Compare(a, b fixedpoint.Value) (int, error) {
	c := a.Cmp(b)
	if _, err := e.record(OpCompare, fixedpoint.FromInt(int64(c)), a, b); err != nil {
		return 0, err
	}
	return c, nil
}

// Sqrt returns √x for x ≥ 0.
func (e *Engine) Sqrt(x fixedpoint.Value) (fixedpoint.Value, error) {
	if x.IsNegative() {
		return fixedpoint.Value{}, &Error{Code: errcodes.ArithDomain, Op: OpSqrt, Err: fmt.Errorf("%w: sqrt(%s)", ErrDomain, x)}
	}
	r, err := sqrtNewton(x, e.cfg.SqrtSteps)
	if err != nil {
		return fixedpoint.Value{}, fail(OpSqrt, err)
	}
	return e.record(OpSqrt, r, x)
}

func (e *Engine) exp(x fixedpoint.Value) (fixedpoint.Value, error) {
	ax, err := x.Abs()
	if err != nil || ax.Cmp(e.cfg.ExpLimit) > 0 {
		return fixedpoint.Value{}, &Error{Code: errcodes.ArithDomain, Op: OpExp, Err: fmt.Errorf("%w: exp(%s) exceeds |x| <= %s", ErrDomain, x, e.cfg.ExpLimit)}
	}
	r, err := expSeries(x, e.cfg.ExpTerms)
	if err != nil {
		return fixedpoint.Value{}, fail(OpExp, err)
	}
	return r, nil
}

// Exp returns e^x for |x| within the configured limit.
func (e *Engine) Exp(x fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := e.exp(x)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.record(OpExp, r, x)
}

func (e *Engine) ln(x fixedpoint.Value) (fixedpoint.Value, error) {
	if x.Sign() <= 0 {
		return fixedpoint.Value{}, &Error{Code: errcodes.ArithDomain, Op: OpLn, Err: fmt.Errorf("%w: ln(%s)", ErrDomain, x)}
	}
	r, err := lnSeries(x, e.cfg.LnTerms)
	if err != nil {
		return fixedpoint.Value{}, fail(OpLn, err)
	}
	return r, nil
}

// Ln returns the natural logarithm of x > 0.
func (e *Engine) Ln(x fixedpoint.Value) (fixedpoint.Value, error) {
	r, err := e.ln(x)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.record(OpLn, r, x)
}

// Pow returns base^exponent = exp(exponent·ln(base)) for base > 0. The ln,
// mul, exp and pow entries are appended together once every step succeeded.
func (e *Engine) Pow(base, exponent fixedpoint.Value) (fixedpoint.Value, error) {
	l, err := e.ln(base)
	if err != nil {
		return fixedpoint.Value{}, &Error{Code: CodeOf(err), Op: OpPow, Err: err}
	}
	p, err := exponent.Mul(l)
	if err != nil {
		return fixedpoint.Value{}, fail(OpPow, err)
	}
	r, err := e.exp(p)
	if err != nil {
		return fixedpoint.Value{}, &Error{Code: CodeOf(err), Op: OpPow, Err: err}
	}

	_, err = e.log.AppendAll([]oplog.Pending{
		{Op: OpLn, Inputs: []fixedpoint.Value{base}, Output: l, Metadata: e.metadata},
		{Op: OpMul, Inputs: []fixedpoint.Value{exponent, l}, Output: p, Metadata: e.metadata},
		{Op: OpExp, Inputs: []fixedpoint.Value{p}, Output: r, Metadata: e.metadata},
		{Op: OpPow, Inputs: []fixedpoint.Value{base, exponent}, Output: r, Metadata: e.metadata},
	})
	if err != nil {
		return fixedpoint.Value{}, &Error{Code: errcodes.Halted, Op: OpPow, Err: err}
	}
	return r, nil
}

// PhiSeries returns the golden ratio by continued fraction.
func (e *Engine) PhiSeries() (fixedpoint.Value, error) {
	r, err := phiContinuedFraction(e.cfg.PhiSteps)
	if err != nil {
		return fixedpoint.Value{}, fail(OpPhiSeries, err)
	}
	return e.record(OpPhiSeries, r)
}

// TwoPow returns 2^x. Integer exponents in [-64, 66] are computed by exact
// doubling; other exponents use exp(x·ln2) and are subject to its domain.
func (e *Engine) TwoPow(x fixedpoint.Value) (fixedpoint.Value, error) {
	var (
		r   fixedpoint.Value
		err error
	)
	if x.IsInteger() {
		n, ok := x.Int64()
		if !ok || n < twoPowMin || n > twoPowMax {
			return fixedpoint.Value{}, &Error{Code: errcodes.ArithDomain, Op: OpTwoPow, Err: fmt.Errorf("%w: two_pow(%s) outside [%d, %d]", ErrDomain, x, twoPowMin, twoPowMax)}
		}
		if r, err = twoPowInt(n); err != nil {
			return fixedpoint.Value{}, fail(OpTwoPow, err)
		}
	} else {
		p, err := x.Mul(Ln2)
		if err != nil {
			return fixedpoint.Value{}, fail(OpTwoPow, err)
		}
		if r, err = e.exp(p); err != nil {
			return fixedpoint.Value{}, &Error{Code: CodeOf(err), Op: OpTwoPow, Err: err}
		}
	}
	return e.record(OpTwoPow, r, x)
}

// Observe logs an externally supplied value, such as oracle guidance, so it
// becomes part of the bundle's hashed history.
func (e *Engine) Observe(name string, v fixedpoint.Value) (fixedpoint.Value, error) {
	md := maps.Clone(e.metadata)
	if md == nil {
		md = map[string]string{}
	}
	md["name"] = name
	if _, err := e.log.Append(OpObserve, []fixedpoint.Value{v}, v, md); err != nil {
		return fixedpoint.Value{}, &Error{Code: errcodes.Halted, Op: OpObserve, Err: err}
	}
	return v, nil
}

// Clamp returns x bounded to [lo, hi].
func (e *Engine) Clamp(x, lo, hi fixedpoint.Value) (fixedpoint.Value, error) {
	if lo.Cmp(hi) > 0 {
		return fixedpoint.Value{}, &Error{Code: errcodes.ArithDomain, Op: OpClamp, Err: fmt.Errorf("%w: clamp bounds [%s, %s]", ErrDomain, lo, hi)}
	}
	r := x
	if r.Cmp(lo) < 0 {
		r = lo
	}
	if r.Cmp(hi) > 0 {
		r = hi
	}
	return e.record(OpClamp, r, x, lo, hi)
}
