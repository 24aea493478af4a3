package pylot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gcforged/pylot/pkg/optimizer"
	"github.com/gcforged/pylot/pkg/types"
)

func TestPrintReportRendersAllSections(t *testing.T) {
	report := optimizer.FullReport{
		Profile: types.HardwareProfile{
			CPUModel:      "Intel(R) Core(TM) i9-13900K",
			PhysicalCores: 8,
			LogicalCores:  16,
			TotalRAMMiB:   65536,
			GPUVendor:     types.GPUVendorNVIDIA,
			GPUModel:      "NVIDIA GeForce RTX 4080",
			VRAMMiB:       16384,
			Accel:         types.Acceleration{CUDA: true},
		},
		Flags: types.CompilationFlags{
			ArchFlags:  []string{"-march=native"},
			BLASVendor: "OpenBLAS",
			GPUBackend: "cuda",
			MakeFlags:  []string{"GGML_CUDA=1"},
		},
		Runtime: types.RuntimeParameters{Threads: 8, ContextSize: 8192, BatchSize: 1024, GPULayers: 32},
		Bench: types.BenchmarkResult{
			RunID:           "01J5X0000000000000000000RUN",
			TokensPerSecond: 42.5,
			LatencyMS:       23.4,
			MemoryMiB:       4096,
			Iterations:      []types.BenchmarkIteration{{Index: 0, Tokens: 32}},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "Hardware")
	assert.Contains(t, out, "64 GiB")
	assert.Contains(t, out, "16 GiB VRAM")
	assert.Contains(t, out, "Runtime Parameter")
	assert.Contains(t, out, "context_size")
	assert.Contains(t, out, "8192")
	assert.Contains(t, out, "Build Flag")
	assert.Contains(t, out, "OpenBLAS")
	assert.Contains(t, out, "Benchmark")
	assert.Contains(t, out, "42.50")
}

func TestPrintReportWithoutGPU(t *testing.T) {
	report := optimizer.FullReport{
		Profile: types.HardwareProfile{
			CPUModel:      "AMD Ryzen 5 5600",
			PhysicalCores: 6,
			LogicalCores:  12,
			TotalRAMMiB:   16384,
		},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	assert.Contains(t, buf.String(), "none")
}

func TestAccelSummary(t *testing.T) {
	assert.Equal(t, "none", accelSummary(types.Acceleration{}))
	assert.Equal(t, "CUDA", accelSummary(types.Acceleration{CUDA: true}))
	assert.Equal(t, "ROCm, Vulkan", accelSummary(types.Acceleration{ROCm: true, Vulkan: true}))
}
