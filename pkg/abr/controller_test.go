package abr

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func referenceConfig() ControllerConfig {
	return ControllerConfig{
		Min:              500,
		Max:              2500,
		WeightProportion: 0.02,
		WeightIntegral:   0.15,
		WeightDerivative: 0.01,
		IntegralSize:     4,
		StartAt:          500,
		HasStartAt:       true,
	}
}

func TestController_StartsAtMidpointByDefault(t *testing.T) {
	cfg := referenceConfig()
	cfg.HasStartAt = false
	c, err := NewController(cfg)
	require.NoError(t, err)

	assert.Equal(t, 1500.0, c.Current())
	assert.Equal(t, []float64{0, 0, 0, 0}, c.Integral())
}

func TestController_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ControllerConfig)
	}{
		{"min above max", func(c *ControllerConfig) { c.Min, c.Max = 10, 5 }},
		{"zero integral", func(c *ControllerConfig) { c.IntegralSize = 0 }},
		{"start below min", func(c *ControllerConfig) { c.StartAt = 100 }},
		{"start above max", func(c *ControllerConfig) { c.StartAt = 3000 }},
		{"NaN bound", func(c *ControllerConfig) { c.Max = math.NaN() }},
		{"NaN weight", func(c *ControllerConfig) { c.WeightIntegral = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := referenceConfig()
			tt.mutate(&cfg)
			_, err := NewController(cfg)
			assert.ErrorIs(t, err, ErrInvalidController)
		})
	}
}

func TestController_FirstStep(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	// p = 500, mean(window) = 125, d = 500 - 0
	// out = 500*0.02 + 125*0.15 + 500*0.01 = 33.75
	got := c.Adjust(1000)

	assert.InDelta(t, 533.75, got, 1e-9)
	assert.InDelta(t, 500.0, c.Proportion(), 1e-9)
	assert.InDelta(t, 500.0, c.Derivative(), 1e-9)
	assert.Equal(t, []float64{500, 0, 0, 0}, c.Integral())
}

func TestController_DerivativeUsesTermFromTwoUpdatesAgo(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	c.Adjust(1000) // p1 = 500,    d1 = 500 - 0
	c.Adjust(1000) // p2 = 466.25, d2 = 466.25 - 0 (start derivative)
	assert.InDelta(t, 466.25, c.Derivative(), 1e-9)

	p3 := 1000 - c.Current()
	c.Adjust(1000) // d3 = p3 - d1
	assert.InDelta(t, p3-500, c.Derivative(), 1e-9)
}

func TestController_ReferenceSequenceConverges(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	prev := c.Current()
	for i := 0; i < 16; i++ {
		got := c.Adjust(1000)
		require.False(t, math.IsNaN(got), "step %d produced NaN", i)
		assert.GreaterOrEqual(t, got, prev, "step %d decreased", i)
		assert.LessOrEqual(t, got, 2500.0)
		prev = got
	}
	assert.InDelta(t, 991.03, prev, 0.01, "should be converging on the target")
}

func TestController_OutputStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		lo := rng.Float64() * 1000
		hi := lo + rng.Float64()*5000
		start := lo + rng.Float64()*(hi-lo)
		c, err := NewController(ControllerConfig{
			Min: lo, Max: hi,
			WeightProportion: rng.Float64(),
			WeightIntegral:   rng.Float64(),
			WeightDerivative: rng.Float64(),
			IntegralSize:     1 + rng.Intn(8),
			StartAt:          start,
			HasStartAt:       true,
		})
		require.NoError(t, err)

		for i := 0; i < 200; i++ {
			got := c.Adjust((rng.Float64() - 0.5) * 20000)
			require.GreaterOrEqual(t, got, lo)
			require.LessOrEqual(t, got, hi)
		}
	}
}

func TestController_IntegralSizeFollowsRuntimeChanges(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	for _, size := range []int{4, 6, 2, 1, 7, 3} {
		require.NoError(t, c.SetIntegralSize(size))
		for i := 0; i < 3; i++ {
			c.Adjust(float64(800 + i*100))
			assert.Len(t, c.Integral(), size)
		}
	}

	assert.ErrorIs(t, c.SetIntegralSize(0), ErrInvalidController)
}

func TestController_ShrinkEvictsOldestTerms(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	c.Adjust(1000)
	c.Adjust(1000)
	first := c.Integral()

	require.NoError(t, c.SetIntegralSize(2))
	c.Adjust(1000)
	window := c.Integral()

	require.Len(t, window, 2)
	assert.Equal(t, first[0], window[1], "newest surviving term should be the previous front")
}

func TestController_GrowPadsWithZeros(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	require.NoError(t, c.SetIntegralSize(1))
	c.Adjust(1000)
	require.NoError(t, c.SetIntegralSize(4))
	c.Adjust(1000)

	window := c.Integral()
	require.Len(t, window, 4)
	assert.Equal(t, []float64{0, 0}, window[2:])
}

func TestController_NaNPanics(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	assert.PanicsWithError(t,
		"abr: controller produced NaN: delta (target=NaN current=500)",
		func() { c.Adjust(math.NaN()) })
}

func TestController_Reset(t *testing.T) {
	c, err := NewController(referenceConfig())
	require.NoError(t, err)

	c.Adjust(2000)
	require.NoError(t, c.SetIntegralSize(2))
	c.Reset()

	assert.Equal(t, 500.0, c.Current())
	assert.Equal(t, 4, c.IntegralSize())
	assert.Equal(t, []float64{0, 0, 0, 0}, c.Integral())
}
