// Package simd selects the numeric kernels used on the hot path. CPU vector
// capability is probed exactly once per process; call sites hold the
// resolved *Kernel and never re-probe. Every variant is required to agree
// with the scalar reference within a small relative tolerance, so the scalar
// kernel doubles as the correctness oracle in tests.
package simd

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

type Variant int

const (
	VariantScalar Variant = iota
	VariantNEON
	VariantAVX2
	VariantAVX512
)

func (v Variant) String() string {
	switch v {
	case VariantScalar:
		return "scalar"
	case VariantNEON:
		return "neon"
	case VariantAVX2:
		return "avx2"
	case VariantAVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// Kernel is an opaque handle over the selected dot-product and matrix-vector
// primitives. Zero value is not usable; obtain one via Active, Scalar or For.
type Kernel struct {
	variant Variant
	dot     func(a, b []float32) float32
}

var (
	activeOnce sync.Once
	active     *Kernel

	scalar = &Kernel{variant: VariantScalar, dot: dotF32Scalar}
)

// Active returns the process-wide kernel, resolving the CPU capability on
// first use. This never fails: with no advanced vector unit the scalar
// kernel is selected transparently.
func Active() *Kernel {
	activeOnce.Do(func() {
		v := detect()
		active = For(v)
		metrics.RecordKernelVariant(v.String())
		logger.Log.Info("kernel selected",
			"variant", v.String(), "cpu", cpuid.CPU.BrandName, "threads", runtime.NumCPU())
	})
	return active
}

// Scalar returns the reference kernel regardless of CPU capability.
func Scalar() *Kernel {
	return scalar
}

// For builds the kernel for an explicit variant. Used by tests to compare
// every variant against the scalar reference on the same machine.
func For(v Variant) *Kernel {
	switch v {
	case VariantAVX512:
		return &Kernel{variant: v, dot: dotF32Unroll16}
	case VariantAVX2, VariantNEON:
		return &Kernel{variant: v, dot: dotF32Unroll8}
	default:
		return scalar
	}
}

func detect() Variant {
	switch runtime.GOARCH {
	case "amd64":
		if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
			return VariantAVX512
		}
		if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
			return VariantAVX2
		}
	case "arm64":
		if cpuid.CPU.Supports(cpuid.ASIMD) {
			return VariantNEON
		}
	}
	return VariantScalar
}

// Variant reports which implementation this kernel dispatches to.
func (k *Kernel) Variant() Variant {
	return k.variant
}

// DotF32 computes the dot product of two equal-length vectors.
func (k *Kernel) DotF32(a, b []float32) float32 {
	return k.dot(a, b)
}
