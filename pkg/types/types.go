package types

import (
	"time"
)

type GPUVendor string

const (
	GPUVendorNone   GPUVendor = "none"
	GPUVendorNVIDIA GPUVendor = "nvidia"
	GPUVendorAMD    GPUVendor = "amd"
	GPUVendorIntel  GPUVendor = "intel"
	GPUVendorApple  GPUVendor = "apple"
)

// ProbeSource records how a profile field was obtained. Heuristic values are
// derived from identity strings and are only used when direct probing
// returned nothing.
type ProbeSource string

const (
	ProbeSourceProbed    ProbeSource = "probed"
	ProbeSourceHeuristic ProbeSource = "heuristic"
	ProbeSourceNone      ProbeSource = "none"
)

type CPUFeatures struct {
	AVX    bool `json:"avx"`
	AVX2   bool `json:"avx2"`
	AVX512 bool `json:"avx512"`
	F16C   bool `json:"f16c"`
	FMA    bool `json:"fma"`
}

type Acceleration struct {
	CUDA   bool `json:"cuda"`
	ROCm   bool `json:"rocm"`
	Metal  bool `json:"metal"`
	Vulkan bool `json:"vulkan"`
	OpenCL bool `json:"opencl"`
}

func (a Acceleration) Any() bool {
	return a.CUDA || a.ROCm || a.Metal || a.Vulkan || a.OpenCL
}

type HardwareProfile struct {
	CPUModel      string                 `json:"cpu_model"`
	PhysicalCores int                    `json:"physical_cores"`
	LogicalCores  int                    `json:"logical_cores"`
	FrequencyMHz  float64                `json:"frequency_mhz"`
	Features      CPUFeatures            `json:"features"`
	GPUVendor     GPUVendor              `json:"gpu_vendor"`
	GPUModel      string                 `json:"gpu_model"`
	VRAMMiB       int                    `json:"vram_mib"`
	TotalRAMMiB   int                    `json:"total_ram_mib"`
	Accel         Acceleration           `json:"acceleration"`
	Sources       map[string]ProbeSource `json:"sources,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// FieldSource returns the recorded source for a profile field, defaulting to
// none for fields no probe ever filled.
func (p *HardwareProfile) FieldSource(field string) ProbeSource {
	if p.Sources == nil {
		return ProbeSourceNone
	}
	if s, ok := p.Sources[field]; ok {
		return s
	}
	return ProbeSourceNone
}

func (p *HardwareProfile) SetSource(field string, source ProbeSource) {
	if p.Sources == nil {
		p.Sources = map[string]ProbeSource{}
	}
	p.Sources[field] = source
}

// CompilationFlags is recomputed from the hardware profile and never edited
// by hand. It is not persisted for portable targets.
type CompilationFlags struct {
	BuildType  string   `json:"build_type"`
	ArchFlags  []string `json:"arch_flags"`
	BLASVendor string   `json:"blas_vendor,omitempty"`
	GPUBackend string   `json:"gpu_backend,omitempty"`
	OpenMP     bool     `json:"openmp"`
	CMakeFlags []string `json:"cmake_flags"`
	MakeFlags  []string `json:"make_flags"`
}

type RuntimeParameters struct {
	Threads       int       `json:"threads"`
	ContextSize   int       `json:"context_size"`
	BatchSize     int       `json:"batch_size"`
	GPULayers     int       `json:"gpu_layers"`
	TensorSplit   []float32 `json:"tensor_split,omitempty"`
	RopeFreqBase  float64   `json:"rope_freq_base"`
	RopeFreqScale float64   `json:"rope_freq_scale"`
}

type BenchmarkIteration struct {
	Index           int     `json:"index"`
	Tokens          int     `json:"tokens"`
	WallMS          float64 `json:"wall_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type BenchmarkResult struct {
	RunID           string               `json:"run_id"`
	TokensPerSecond float64              `json:"tokens_per_second"`
	LatencyMS       float64              `json:"latency_ms"`
	MemoryMiB       float64              `json:"memory_mib"`
	Prompt          string               `json:"prompt"`
	Parameters      RuntimeParameters    `json:"parameters"`
	Iterations      []BenchmarkIteration `json:"iterations,omitempty"`
	Error           string               `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}
