// internal/core/optim.go
package core

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamOptimizer - Adam with decoupled weight decay (AdamW when
// weightDecay > 0).
type AdamOptimizer struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    map[*Tensor]*mat.Dense
	v    map[*Tensor]*mat.Dense
}

func NewAdamOptimizer(lr, beta1, beta2, eps, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*Tensor]*mat.Dense),
		v:           make(map[*Tensor]*mat.Dense),
	}
}

func (o *AdamOptimizer) LR() float64 { return o.lr }

func (o *AdamOptimizer) SetLR(lr float64) { o.lr = lr }

// Step applies one update to every parameter that has a gradient, then
// clears the gradients.
func (o *AdamOptimizer) Step(params []*Tensor) {
	o.step++
	b1Corr := 1 - math.Pow(o.beta1, float64(o.step))
	b2Corr := 1 - math.Pow(o.beta2, float64(o.step))

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		r, c := p.Shape()
		m, ok := o.m[p]
		if !ok {
			m = mat.NewDense(r, c, nil)
			o.m[p] = m
			o.v[p] = mat.NewDense(r, c, nil)
		}
		v := o.v[p]
		for i := 0; i < r; i++ {
			w := p.Value.RawRowView(i)
			g := p.Grad.RawRowView(i)
			mi := m.RawRowView(i)
			vi := v.RawRowView(i)
			for j := 0; j < c; j++ {
				if o.weightDecay > 0 {
					w[j] -= o.lr * o.weightDecay * w[j]
				}
				mi[j] = o.beta1*mi[j] + (1-o.beta1)*g[j]
				vi[j] = o.beta2*vi[j] + (1-o.beta2)*g[j]*g[j]
				mhat := mi[j] / b1Corr
				vhat := vi[j] / b2Corr
				w[j] -= o.lr * mhat / (math.Sqrt(vhat) + o.eps)
			}
		}
		p.ZeroGrad()
	}
}

// ZeroGrad clears gradients without updating.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		n := mat.Norm(p.Grad, 2)
		total += n * n
	}
	total = math.Sqrt(total)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	scale := maxNorm / (total + 1e-6)
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Scale(scale, p.Grad)
		}
	}
	return total
}

// CosineScheduler anneals the learning rate from base to min over tMax
// epochs.
type CosineScheduler struct {
	base float64
	min  float64
	tMax int
}

func NewCosineScheduler(base float64, tMax int, minLR float64) *CosineScheduler {
	return &CosineScheduler{base: base, min: minLR, tMax: tMax}
}

// GetLR returns the rate for the given zero-based epoch.
func (s *CosineScheduler) GetLR(epoch int) float64 {
	if s.tMax <= 0 {
		return s.base
	}
	return s.min + (s.base-s.min)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.tMax)))/2
}
