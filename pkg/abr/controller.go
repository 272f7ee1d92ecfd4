package abr

import (
	"errors"
	"fmt"
	"math"

	"github.com/gammazero/deque"
)

var (
	// ErrInvalidController is returned by NewController when the
	// configuration violates the controller preconditions.
	ErrInvalidController = errors.New("abr: invalid controller config")

	// ErrControllerNaN is the panic value raised when Adjust produces NaN.
	// A NaN output means the control math is broken; it is never recovered
	// into a normal error path.
	ErrControllerNaN = errors.New("abr: controller produced NaN")
)

// ControllerConfig configures a PID Controller.
type ControllerConfig struct {
	// Min and Max are the inclusive output bounds.
	Min float64
	Max float64

	// Weights applied to the proportion, integral and derivative terms.
	WeightProportion float64
	WeightIntegral   float64
	WeightDerivative float64

	// IntegralSize is the number of proportion terms averaged by the
	// integral. Must be at least 1.
	IntegralSize int

	// StartAt is the initial output. It is only honored when HasStartAt is
	// set; otherwise the controller starts at the midpoint of [Min, Max].
	StartAt    float64
	HasStartAt bool

	// StartProportion and StartDerivative seed the P and D terms.
	StartProportion float64
	StartDerivative float64
}

// Controller is a discrete PID regulator over a bounded range.
//
// The controller drives its own output toward the target passed to Adjust
// instead of jumping to it, so consecutive outputs change gradually. It is
// not safe for concurrent use.
type Controller struct {
	config ControllerConfig

	current    float64
	proportion float64

	// integral holds the last IntegralSize proportion terms, most recent
	// first.
	integral     deque.Deque[float64]
	integralSize int

	derivative         float64
	derivativePrevious float64
}

// NewController validates config and returns a Controller in its initial
// state.
func NewController(config ControllerConfig) (*Controller, error) {
	if math.IsNaN(config.Min) || math.IsNaN(config.Max) {
		return nil, fmt.Errorf("%w: NaN bound", ErrInvalidController)
	}
	if config.Min > config.Max {
		return nil, fmt.Errorf("%w: min %v > max %v", ErrInvalidController, config.Min, config.Max)
	}
	if config.IntegralSize < 1 {
		return nil, fmt.Errorf("%w: integral size %d < 1", ErrInvalidController, config.IntegralSize)
	}
	for _, w := range []float64{config.WeightProportion, config.WeightIntegral, config.WeightDerivative} {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %v", ErrInvalidController, w)
		}
	}
	if !config.HasStartAt {
		config.StartAt = (config.Min + config.Max) / 2
	} else if math.IsNaN(config.StartAt) || config.StartAt < config.Min || config.StartAt > config.Max {
		return nil, fmt.Errorf("%w: start %v outside [%v, %v]", ErrInvalidController, config.StartAt, config.Min, config.Max)
	}

	c := &Controller{config: config}
	c.Reset()
	return c, nil
}

// Adjust feeds one target value into the controller and returns the new,
// clamped output.
//
// The error term is measured against the previous output. The derivative
// follows d(n) = p(n) - d(n-2): the value subtracted is the derivative from
// two updates ago, not the previous proportion.
func (c *Controller) Adjust(target float64) float64 {
	c.proportion = target - c.current

	// Trim from the back, pad the back with zeros, then push the newest term
	// on the front so the window holds exactly integralSize entries.
	for c.integral.Len() > c.integralSize-1 {
		c.integral.PopBack()
	}
	for c.integral.Len() < c.integralSize-1 {
		c.integral.PushBack(0)
	}
	c.integral.PushFront(c.proportion)

	hold := c.derivativePrevious
	c.derivativePrevious = c.derivative
	c.derivative = c.proportion - hold

	output := c.proportion*c.config.WeightProportion +
		c.integralMean()*c.config.WeightIntegral +
		c.derivative*c.config.WeightDerivative
	if math.IsNaN(output) {
		panic(fmt.Errorf("%w: delta (target=%v current=%v)", ErrControllerNaN, target, c.current))
	}

	next := c.current + output
	if math.IsNaN(next) {
		panic(fmt.Errorf("%w: current (target=%v current=%v)", ErrControllerNaN, target, c.current))
	}
	c.current = clamp(next, c.config.Min, c.config.Max)

	return c.current
}

// SetIntegralSize changes the integral window length. The window is
// normalized to the new size on the next Adjust.
func (c *Controller) SetIntegralSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: integral size %d < 1", ErrInvalidController, n)
	}
	c.integralSize = n
	return nil
}

// IntegralSize returns the configured integral window length.
func (c *Controller) IntegralSize() int {
	return c.integralSize
}

// Integral returns a copy of the integral window, most recent term first.
func (c *Controller) Integral() []float64 {
	out := make([]float64, c.integral.Len())
	for i := range out {
		out[i] = c.integral.At(i)
	}
	return out
}

// Current returns the last output without updating.
func (c *Controller) Current() float64 {
	return c.current
}

// Proportion returns the most recent error term.
func (c *Controller) Proportion() float64 {
	return c.proportion
}

// Derivative returns the most recent derivative term.
func (c *Controller) Derivative() float64 {
	return c.derivative
}

// Bounds returns the output bounds.
func (c *Controller) Bounds() (min, max float64) {
	return c.config.Min, c.config.Max
}

// Reset restores the controller to its construction state.
func (c *Controller) Reset() {
	c.current = c.config.StartAt
	c.proportion = c.config.StartProportion
	c.derivative = c.config.StartDerivative
	c.derivativePrevious = c.config.StartDerivative
	c.integralSize = c.config.IntegralSize
	c.integral.Clear()
	for i := 0; i < c.integralSize; i++ {
		c.integral.PushBack(0)
	}
}

func (c *Controller) integralMean() float64 {
	n := c.integral.Len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += c.integral.At(i)
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
