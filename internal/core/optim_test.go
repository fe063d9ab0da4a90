package core

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	layer := NewLinear(3, 4, rng)
	params := Trainable(layer.Params("fc"))
	opt := NewAdamOptimizer(0.05, 0.9, 0.999, 1e-8, 0.01)

	x := FromRows([][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	targets := []int{3, 1, 0}

	first := CrossEntropy(layer.Forward(x), targets).Scalar()
	for i := 0; i < 100; i++ {
		loss := CrossEntropy(layer.Forward(x), targets)
		loss.Backward()
		opt.Step(params)
	}
	last := CrossEntropy(layer.Forward(x), targets).Scalar()

	assert.Less(t, last, first/4)
	for _, p := range params {
		assert.Equal(t, 0.0, p.Grad.At(0, 0), "Step clears gradients")
	}
}

func TestClipGradNorm(t *testing.T) {
	a := NewParam(1, 2)
	b := NewParam(1, 1)
	a.grad().SetRow(0, []float64{3, 0})
	b.grad().SetRow(0, []float64{4})

	norm := ClipGradNorm([]*Tensor{a, b}, 1)
	assert.InDelta(t, 5.0, norm, 1e-12)

	after := math.Sqrt(a.Grad.At(0, 0)*a.Grad.At(0, 0) + b.Grad.At(0, 0)*b.Grad.At(0, 0))
	assert.InDelta(t, 1.0, after, 1e-5)

	// Below the threshold nothing changes.
	norm = ClipGradNorm([]*Tensor{a, b}, 10)
	assert.InDelta(t, after, norm, 1e-12)
}

func TestCosineScheduler(t *testing.T) {
	s := NewCosineScheduler(1e-3, 10, 0)
	assert.InDelta(t, 1e-3, s.GetLR(0), 1e-15)
	assert.InDelta(t, 5e-4, s.GetLR(5), 1e-12)
	assert.InDelta(t, 0, s.GetLR(10), 1e-12)
	assert.Greater(t, s.GetLR(3), s.GetLR(4))
}

func TestAutoDevicePrefersMPS(t *testing.T) {
	saved := compiledBackends
	t.Cleanup(func() { compiledBackends = saved })

	compiledBackends = map[Device]bool{DeviceCUDA: true, DeviceMPS: true, DeviceCPU: true}
	assert.Equal(t, DeviceMPS, SelectDevice(DeviceAuto))
	assert.Equal(t, DeviceCUDA, SelectDevice(DeviceCUDA))

	compiledBackends = map[Device]bool{DeviceCUDA: true, DeviceCPU: true}
	assert.Equal(t, DeviceCUDA, SelectDevice(DeviceAuto))
	assert.Equal(t, DeviceCUDA, SelectDevice(DeviceMPS))
}

func TestDeviceSelection(t *testing.T) {
	d, err := ParseDevice(" CUDA ")
	require.NoError(t, err)
	assert.Equal(t, DeviceCUDA, d)

	_, err = ParseDevice("tpu")
	assert.Error(t, err)

	assert.Equal(t, DeviceCPU, SelectDevice(DeviceAuto))
	assert.Equal(t, DeviceCPU, SelectDevice(DeviceCUDA))
	assert.Equal(t, DeviceCPU, SelectDevice(DeviceCPU))

	ctx := NewContext(DeviceMPS, 42)
	assert.Equal(t, DeviceCPU, ctx.Device)
	assert.NotNil(t, ctx.RNG)
}
