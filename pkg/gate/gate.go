// Package gate decides whether a rewrite attempt kept the subject's
// proportions, and drives the retry and fallback sequence when it did not.
package gate

import (
	"errors"
	"fmt"
	"math"

	"github.com/menta2k/backdrop/pkg/types"
)

// State of one variant's attempt chain
type State int

const (
	Init State = iota
	Attempted
	Accepted
	Retrying
	Fallback
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Attempted:
		return "ATTEMPTED"
	case Accepted:
		return "ACCEPTED"
	case Retrying:
		return "RETRYING"
	case Fallback:
		return "FALLBACK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further attempt follows
func (s State) Terminal() bool {
	return s == Accepted || s == Fallback
}

// ErodeTiming selects when the extra edit erosion of gated variants applies
type ErodeTiming string

const (
	ErodeAlways  ErodeTiming = "always"
	ErodeOnRetry ErodeTiming = "retry"
)

var ErrInvalidTransition = errors.New("gate: invalid transition")

// Config holds the gate thresholds
type Config struct {
	// MaxDrift of 0 turns the gate off: every attempt is accepted unmeasured.
	MaxDrift     float64     `mapstructure:"max_drift" json:"max_drift"`
	Epsilon      float64     `mapstructure:"epsilon" json:"epsilon"`
	StrengthStep float64     `mapstructure:"strength_step" json:"strength_step"`
	MinStrength  float64     `mapstructure:"min_strength" json:"min_strength"`
	MaxAttempts  int         `mapstructure:"max_attempts" json:"max_attempts"`
	ErodeTiming  ErodeTiming `mapstructure:"erode_timing" json:"erode_timing"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxDrift:     0.08,
		Epsilon:      1e-6,
		StrengthStep: 0.12,
		MinStrength:  0.35,
		MaxAttempts:  3,
		ErodeTiming:  ErodeAlways,
	}
}

// Validate checks the gate settings
func (c Config) Validate() error {
	if c.MaxDrift < 0 {
		return fmt.Errorf("%w: gate max drift must be non-negative", types.ErrConfiguration)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: gate max attempts must be at least 1", types.ErrConfiguration)
	}
	if c.ErodeTiming != ErodeAlways && c.ErodeTiming != ErodeOnRetry {
		return fmt.Errorf("%w: unknown erode timing %q", types.ErrConfiguration, c.ErodeTiming)
	}
	return nil
}

// Drift is the relative change of the subject area ratio
func Drift(before, after, eps float64) float64 {
	return math.Abs(after-before) / math.Max(before, eps)
}

// Transition records one state change
type Transition struct {
	From     State   `json:"from"`
	To       State   `json:"to"`
	Attempt  int     `json:"attempt"`
	Strength float64 `json:"strength"`
	Drift    float64 `json:"drift"`
}

// Controller is the state machine for one variant. It is not safe for
// concurrent use; each variant task owns its controller.
type Controller struct {
	cfg       Config
	gated     bool
	before    float64
	state     State
	attempts  int
	strength  float64
	lastDrift float64
	history   []Transition
}

// New starts a controller in Init at the variant's strength
func New(cfg Config, v types.Variant, before float64) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Controller{
		cfg:      cfg,
		gated:    v.Gated && cfg.MaxDrift > 0,
		before:   before,
		state:    Init,
		strength: v.Strength,
	}
}

// Gated reports whether attempts are measured against the drift threshold
func (c *Controller) Gated() bool { return c.gated }

func (c *Controller) State() State          { return c.state }
func (c *Controller) Strength() float64     { return c.strength }
func (c *Controller) Attempts() int         { return c.attempts }
func (c *Controller) LastDrift() float64    { return c.lastDrift }
func (c *Controller) History() []Transition { return append([]Transition(nil), c.history...) }

// ShrinkEdit reports whether the extra edit erosion applies to the attempt
// about to start
func (c *Controller) ShrinkEdit() bool {
	if c.cfg.ErodeTiming == ErodeOnRetry {
		return c.attempts >= 1
	}
	return true
}

// Begin moves Init or Retrying to Attempted and returns the strength to use
func (c *Controller) Begin() (float64, error) {
	if c.state != Init && c.state != Retrying {
		return 0, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, c.state)
	}
	c.attempts++
	c.move(Attempted, 0)
	return c.strength, nil
}

// Observe evaluates the attempt's measured ratio. An unmeasured attempt, an
// ungated variant or a source without a subject is accepted as is.
func (c *Controller) Observe(after float64, measured bool) (State, error) {
	if c.state != Attempted {
		return c.state, fmt.Errorf("%w: observe from %s", ErrInvalidTransition, c.state)
	}
	if !c.gated || !measured || c.before <= 0 {
		c.lastDrift = 0
		if measured && c.before > 0 {
			c.lastDrift = Drift(c.before, after, c.cfg.Epsilon)
		}
		c.move(Accepted, c.lastDrift)
		return c.state, nil
	}

	d := Drift(c.before, after, c.cfg.Epsilon)
	c.lastDrift = d
	if d <= c.cfg.MaxDrift {
		c.move(Accepted, d)
		return c.state, nil
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.move(Fallback, d)
		return c.state, nil
	}
	c.strength = math.Max(c.cfg.MinStrength, c.strength-c.cfg.StrengthStep)
	c.move(Retrying, d)
	return c.state, nil
}

// Fail records a retryable attempt failure. The strength is kept because the
// model never produced an output to judge.
func (c *Controller) Fail() (State, error) {
	if c.state != Attempted {
		return c.state, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, c.state)
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.move(Fallback, 0)
	} else {
		c.move(Retrying, 0)
	}
	return c.state, nil
}

func (c *Controller) move(to State, drift float64) {
	c.history = append(c.history, Transition{
		From:     c.state,
		To:       to,
		Attempt:  c.attempts,
		Strength: c.strength,
		Drift:    drift,
	})
	c.state = to
}
