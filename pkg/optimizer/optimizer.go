package optimizer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/hardware"
	"github.com/gcforged/pylot/pkg/types"
)

const (
	// Profiles older than this are re-probed even when nothing else changed.
	maxProfileAge = 30 * 24 * time.Hour
	// Total-RAM drift beyond this is treated as a hardware change (swapped
	// DIMMs, resized VM).
	ramDeltaThresholdMiB = 1024

	minBatchSize   = 128
	minContextSize = 1024
)

// Prober produces a hardware profile; satisfied by hardware.Detector.
type Prober interface {
	Probe(ctx context.Context) types.HardwareProfile
}

// Optimizer derives build flags and runtime parameters from the machine's
// hardware profile and keeps the persisted profile fresh. None of its
// failures are fatal to server startup: probe failures degrade to sentinels
// and benchmark failures report zeroed metrics.
type Optimizer struct {
	prober  Prober
	store   *hardware.Store
	results *ResultsStore

	reserveInteractiveCore bool
	mockBenchmark          bool

	// newBenchRunner is the seam the benchmark uses to start a backend; tests
	// and the mock path replace it.
	newBenchRunner benchRunnerFactory
}

type Option func(*Optimizer)

// WithReserveInteractiveCore leaves one physical core free for interactive
// workloads on workstations.
func WithReserveInteractiveCore(reserve bool) Option {
	return func(o *Optimizer) { o.reserveInteractiveCore = reserve }
}

// WithMockBenchmark synthesises benchmark numbers from the profile instead of
// launching the runtime, for environments without the native backend.
func WithMockBenchmark(mock bool) Option {
	return func(o *Optimizer) { o.mockBenchmark = mock }
}

func New(prober Prober, store *hardware.Store, results *ResultsStore, opts ...Option) *Optimizer {
	o := &Optimizer{
		prober:         prober,
		store:          store,
		results:        results,
		newBenchRunner: newNativeBenchRunner,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FullReport is everything one optimization pass produces.
type FullReport struct {
	Profile types.HardwareProfile   `json:"profile"`
	Flags   types.CompilationFlags  `json:"compilation_flags"`
	Runtime types.RuntimeParameters `json:"runtime_parameters"`
	Bench   types.BenchmarkResult   `json:"benchmark"`
}

// IsProfileStale reports whether the persisted profile no longer describes
// this machine. Any of: missing profile, RAM drift beyond 1 GiB, CPU or GPU
// identity change, acceleration-API set change, or age beyond 30 days.
func (o *Optimizer) IsProfileStale(ctx context.Context, now time.Time) bool {
	doc, err := o.store.Load()
	if err != nil {
		if !errors.Is(err, hardware.ErrProfileNotFound) {
			log.Warn().Err(err).Msg("could not load hardware profile, treating as stale")
		}
		return true
	}
	saved := doc.Hardware

	if now.Sub(saved.UpdatedAt) > maxProfileAge {
		log.Info().Time("updated_at", saved.UpdatedAt).Msg("hardware profile expired")
		return true
	}

	current := o.prober.Probe(ctx)

	ramDelta := current.TotalRAMMiB - saved.TotalRAMMiB
	if ramDelta < 0 {
		ramDelta = -ramDelta
	}
	switch {
	case ramDelta > ramDeltaThresholdMiB:
		log.Info().Int("saved_mib", saved.TotalRAMMiB).Int("current_mib", current.TotalRAMMiB).Msg("total RAM changed")
		return true
	case current.CPUModel != saved.CPUModel:
		log.Info().Str("saved", saved.CPUModel).Str("current", current.CPUModel).Msg("CPU identity changed")
		return true
	case current.GPUModel != saved.GPUModel || current.GPUVendor != saved.GPUVendor:
		log.Info().Str("saved", saved.GPUModel).Str("current", current.GPUModel).Msg("GPU identity changed")
		return true
	case current.Accel != saved.Accel:
		log.Info().Msg("acceleration API availability changed")
		return true
	}
	return false
}

// UpdateProfile re-probes the machine and atomically rewrites the persisted
// document, preserving the original creation timestamp and any unknown fields
// a newer writer may have added.
func (o *Optimizer) UpdateProfile(ctx context.Context) (types.HardwareProfile, error) {
	profile := o.prober.Probe(ctx)

	doc, err := o.store.Load()
	if err != nil {
		if !errors.Is(err, hardware.ErrProfileNotFound) {
			return profile, fmt.Errorf("loading existing profile: %w", err)
		}
		doc = &hardware.Document{}
	} else if !doc.Hardware.CreatedAt.IsZero() {
		profile.CreatedAt = doc.Hardware.CreatedAt
	}
	profile.UpdatedAt = time.Now().UTC()

	doc.Hardware = profile
	doc.Runtime = o.ComputeRuntime(profile, 0)
	if err := o.store.Save(doc); err != nil {
		return profile, fmt.Errorf("persisting profile: %w", err)
	}
	log.Info().Str("path", o.store.Path()).Msg("hardware profile updated")
	return profile, nil
}

// ComputeFlags derives the native build configuration from a profile. The
// result is recomputed on demand and never persisted.
func (o *Optimizer) ComputeFlags(profile types.HardwareProfile) types.CompilationFlags {
	flags := types.CompilationFlags{
		BuildType: "Release",
		OpenMP:    true,
	}

	switch {
	case profile.Features.AVX512:
		flags.ArchFlags = []string{"-march=skylake-avx512", "-mavx512f", "-mavx512dq", "-mavx512bw", "-mavx512vl"}
	case profile.Features.AVX2:
		flags.ArchFlags = []string{"-march=haswell", "-mavx2", "-mfma"}
	case profile.Features.AVX:
		flags.ArchFlags = []string{"-march=sandybridge", "-mavx"}
	default:
		flags.ArchFlags = []string{"-march=native"}
	}

	cmake := []string{"-DCMAKE_BUILD_TYPE=Release"}

	switch {
	case isIntelCPU(profile.CPUModel):
		flags.BLASVendor = "Intel10_64lp"
		cmake = append(cmake, "-DLLAMA_BLAS=ON", "-DLLAMA_BLAS_VENDOR=Intel10_64lp")
	case isAMDCPU(profile.CPUModel):
		flags.BLASVendor = "FLAME"
		cmake = append(cmake, "-DLLAMA_BLAS=ON", "-DLLAMA_BLAS_VENDOR=FLAME")
	}

	switch {
	case profile.GPUVendor == types.GPUVendorNVIDIA && profile.Accel.CUDA:
		flags.GPUBackend = "cuda"
		cmake = append(cmake, "-DLLAMA_CUDA=ON")
		if profile.VRAMMiB > 0 && profile.VRAMMiB < 6000 {
			// smaller kernels on low-VRAM cards
			cmake = append(cmake, "-DLLAMA_CUDA_DMMV_X=32", "-DLLAMA_CUDA_MMV_Y=32")
		}
	case profile.GPUVendor == types.GPUVendorAMD && profile.Accel.ROCm:
		flags.GPUBackend = "rocm"
		cmake = append(cmake, "-DLLAMA_HIPBLAS=ON")
	case profile.Accel.Metal && runtime.GOOS == "darwin":
		flags.GPUBackend = "metal"
		cmake = append(cmake, "-DLLAMA_METAL=ON")
	case profile.Accel.Vulkan:
		flags.GPUBackend = "vulkan"
		cmake = append(cmake, "-DLLAMA_VULKAN=ON")
	}

	if flags.OpenMP {
		cmake = append(cmake, "-DLLAMA_NATIVE=ON")
	}

	flags.CMakeFlags = cmake
	flags.MakeFlags = []string{fmt.Sprintf("-j%d", max(profile.LogicalCores, 1))}
	return flags
}

// ComputeRuntime derives the llama-server launch parameters from a profile.
// modelVRAMHintMiB, when > 0, is the expected VRAM footprint of the model:
// when it exceeds the available VRAM, GPU offload steps down one bucket.
func (o *Optimizer) ComputeRuntime(profile types.HardwareProfile, modelVRAMHintMiB int) types.RuntimeParameters {
	threads := profile.PhysicalCores
	if threads < 1 {
		threads = 1
	}
	if o.reserveInteractiveCore && threads > 1 {
		threads--
	}

	params := types.RuntimeParameters{
		Threads:       threads,
		BatchSize:     batchSizeForRAM(profile.TotalRAMMiB),
		ContextSize:   contextSizeForRAM(profile.TotalRAMMiB),
		GPULayers:     gpuLayers(profile, modelVRAMHintMiB),
		RopeFreqBase:  10000.0,
		RopeFreqScale: 1.0,
	}
	return params
}

// gpuLayers picks the offload count from the vendor/VRAM bucket table. The
// table value is an upper bound: a model hint larger than the VRAM budget
// drops the selection one bucket.
func gpuLayers(profile types.HardwareProfile, modelVRAMHintMiB int) int {
	var buckets []int
	switch {
	case profile.GPUVendor == types.GPUVendorNVIDIA && profile.Accel.CUDA:
		buckets = []int{32, 20, 8}
	case profile.GPUVendor == types.GPUVendorAMD && profile.Accel.ROCm:
		buckets = []int{28, 16, 4}
	default:
		return 0
	}

	idx := 2
	switch {
	case profile.VRAMMiB >= 8000:
		idx = 0
	case profile.VRAMMiB >= 4000:
		idx = 1
	}
	if modelVRAMHintMiB > 0 && modelVRAMHintMiB > profile.VRAMMiB && idx < len(buckets)-1 {
		idx++
	}
	return buckets[idx]
}

func batchSizeForRAM(totalMiB int) int {
	switch {
	case totalMiB > 32000:
		return 1024
	case totalMiB > 16000:
		return 512
	case totalMiB > 8000:
		return 256
	default:
		return minBatchSize
	}
}

func contextSizeForRAM(totalMiB int) int {
	switch {
	case totalMiB > 32000:
		return 8192
	case totalMiB > 16000:
		return 4096
	case totalMiB > 8000:
		return 2048
	default:
		return minContextSize
	}
}

// RunFull performs one complete optimization pass: probe + persist, derive
// flags and runtime parameters, then benchmark the result.
func (o *Optimizer) RunFull(ctx context.Context, modelPath string) (FullReport, error) {
	profile, err := o.UpdateProfile(ctx)
	if err != nil {
		return FullReport{}, err
	}

	report := FullReport{
		Profile: profile,
		Flags:   o.ComputeFlags(profile),
		Runtime: o.ComputeRuntime(profile, 0),
	}
	report.Bench = o.Benchmark(ctx, modelPath, defaultBenchmarkPrompt, defaultBenchmarkIterations)

	doc, err := o.store.Load()
	if err == nil {
		doc.Runtime = report.Runtime
		if err := o.store.Save(doc); err != nil {
			log.Warn().Err(err).Msg("could not persist tuned runtime parameters")
		}
	}
	return report, nil
}

func isIntelCPU(model string) bool {
	return containsFold(model, "intel")
}

func isAMDCPU(model string) bool {
	return containsFold(model, "amd") || containsFold(model, "ryzen") || containsFold(model, "epyc")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
