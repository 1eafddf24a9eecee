package cloud

import "github.com/chewxy/math32"

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-15
)

// LearningRates holds the per-attribute step sizes.
type LearningRates struct {
	PositionInit      float32
	PositionFinal     float32
	PositionDelayMult float32
	PositionDelay     int
	PositionMaxSteps  int
	Feature           float32
	Opacity           float32
	Scale             float32
	Rotation          float32
}

// SetupOptimizer assigns learning rates and resets the optimizer moments.
// Higher SH bands learn at a twentieth of the base color rate.
func (c *Cloud) SetupOptimizer(lr LearningRates) {
	c.params[AttrPosition].LR = lr.PositionInit
	c.params[AttrFeaturesDC].LR = lr.Feature
	c.params[AttrFeaturesRest].LR = lr.Feature / 20
	c.params[AttrOpacity].LR = lr.Opacity
	c.params[AttrScale].LR = lr.Scale
	c.params[AttrRotation].LR = lr.Rotation
	for _, p := range c.params {
		clear(p.expAvg)
		clear(p.expAvgSq)
		p.step = 0
	}
	c.lr = &positionSchedule{
		init:      lr.PositionInit,
		final:     lr.PositionFinal,
		delayMult: lr.PositionDelayMult,
		delay:     lr.PositionDelay,
		maxSteps:  lr.PositionMaxSteps,
	}
}

// UpdateLearningRate moves the position rate along its schedule.
func (c *Cloud) UpdateLearningRate(step int) float32 {
	if c.lr == nil {
		return c.params[AttrPosition].LR
	}
	lr := c.lr.at(step)
	c.params[AttrPosition].LR = lr
	return lr
}

// OptimizerStep applies one Adam update to every column with a positive
// learning rate. Gradients are left in place; call ZeroGrad afterwards.
func (c *Cloud) OptimizerStep() {
	for _, p := range c.params {
		if p.LR <= 0 {
			continue
		}
		p.step++
		bias1 := 1 - math32.Pow(adamBeta1, float32(p.step))
		bias2 := 1 - math32.Pow(adamBeta2, float32(p.step))
		stepSize := p.LR / bias1
		sqrtBias2 := math32.Sqrt(bias2)
		for i, g := range p.Grad {
			m := adamBeta1*p.expAvg[i] + (1-adamBeta1)*g
			v := adamBeta2*p.expAvgSq[i] + (1-adamBeta2)*g*g
			p.expAvg[i] = m
			p.expAvgSq[i] = v
			p.Data[i] -= stepSize * m / (math32.Sqrt(v)/sqrtBias2 + adamEps)
		}
	}
}

// resetMoments zeroes the optimizer moments of one column.
func (p *Param) resetMoments() {
	clear(p.expAvg)
	clear(p.expAvgSq)
}

// Moments exposes the optimizer state of a column for inspection.
func (p *Param) Moments() (expAvg, expAvgSq []float32) {
	return p.expAvg, p.expAvgSq
}

// positionSchedule is a log-linear decay from init to final over maxSteps
// with an optional sinusoidal warm-up.
type positionSchedule struct {
	init, final float32
	delayMult   float32
	delay       int
	maxSteps    int
}

func (s *positionSchedule) at(step int) float32 {
	if s.init == s.final {
		return s.init
	}
	if step < 0 || (s.init == 0 && s.final == 0) {
		return 0
	}
	delayRate := float32(1)
	if s.delay > 0 {
		t := clamp01(float32(step) / float32(s.delay))
		delayRate = s.delayMult + (1-s.delayMult)*math32.Sin(0.5*math32.Pi*t)
	}
	t := float32(1)
	if s.maxSteps > 0 {
		t = clamp01(float32(step) / float32(s.maxSteps))
	}
	logLerp := math32.Exp(math32.Log(s.init)*(1-t) + math32.Log(s.final)*t)
	return delayRate * logLerp
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
