package hardware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcforged/pylot/pkg/types"
)

func TestParseNvidiaSMI(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantName  string
		wantVRAM  int
		wantCount int
	}{
		{
			name:      "single gpu",
			output:    "NVIDIA GeForce RTX 3090, 24576\n",
			wantName:  "NVIDIA GeForce RTX 3090",
			wantVRAM:  24576,
			wantCount: 1,
		},
		{
			name:      "multi gpu sums memory",
			output:    "NVIDIA H100 PCIe, 81559\nNVIDIA H100 PCIe, 81559\n",
			wantName:  "NVIDIA H100 PCIe",
			wantVRAM:  163118,
			wantCount: 2,
		},
		{
			name:      "garbage lines skipped",
			output:    "\nnot a gpu line\nNVIDIA T4, 15360\n",
			wantName:  "NVIDIA T4",
			wantVRAM:  15360,
			wantCount: 1,
		},
		{
			name:      "empty output",
			output:    "",
			wantName:  "",
			wantVRAM:  0,
			wantCount: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, vram, count := parseNvidiaSMI(tt.output)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantVRAM, vram)
			assert.Equal(t, tt.wantCount, count)
		})
	}
}

func TestParseRocmVRAM(t *testing.T) {
	output := "device,vram_total,vram_used\ncard0,16384,8192\ncard1,16384,1024\n"
	vram, count := parseRocmVRAM(output)
	assert.Equal(t, 32768, vram)
	assert.Equal(t, 2, count)
}

func TestParseCPUFeatureFlags(t *testing.T) {
	t.Run("linux cpuinfo flags", func(t *testing.T) {
		flags := []string{"fpu", "avx", "f16c", "avx2", "fma", "avx512f"}
		features := parseCPUFeatureFlags(flags)
		assert.True(t, features.AVX)
		assert.True(t, features.AVX2)
		assert.True(t, features.AVX512)
		assert.True(t, features.F16C)
		assert.True(t, features.FMA)
	})

	t.Run("darwin sysctl flags", func(t *testing.T) {
		flags := []string{"FPU", "SSE4.2", "AVX1.0", "AVX2"}
		features := parseCPUFeatureFlags(flags)
		assert.True(t, features.AVX)
		assert.True(t, features.AVX2)
		assert.False(t, features.AVX512)
	})

	t.Run("wider sets imply narrower", func(t *testing.T) {
		features := parseCPUFeatureFlags([]string{"avx512f"})
		assert.True(t, features.AVX512)
		assert.True(t, features.AVX2)
		assert.True(t, features.AVX)
	})
}

func TestHeuristicCPUFeatures(t *testing.T) {
	assert.Equal(t,
		types.CPUFeatures{AVX: true, AVX2: true, F16C: true, FMA: true},
		heuristicCPUFeatures("AMD Ryzen 7 5800X 8-Core Processor"))
	assert.Equal(t,
		types.CPUFeatures{AVX: true, AVX2: true, F16C: true, FMA: true},
		heuristicCPUFeatures("12th Gen Intel(R) Core(TM) i7-12700K"))
	assert.Equal(t,
		types.CPUFeatures{AVX: true},
		heuristicCPUFeatures("Intel(R) Core(TM) i5-2500K CPU @ 3.30GHz"))
	assert.Equal(t, types.CPUFeatures{}, heuristicCPUFeatures(""))
}

func TestFallbackGPUFromCPU(t *testing.T) {
	tests := []struct {
		cpu        string
		wantVendor types.GPUVendor
		wantModel  string
		wantVRAM   int
		wantOK     bool
	}{
		{"12th Gen Intel(R) Core(TM) i7-12700K", types.GPUVendorIntel, "Intel Iris Xe Graphics", 2048, true},
		{"11th Gen Intel(R) Core(TM) i5-11400", types.GPUVendorIntel, "Intel UHD Graphics", 1536, true},
		{"Intel(R) Core(TM) i7-8700K (8th Gen)", types.GPUVendorIntel, "Intel UHD Graphics 630", 1024, true},
		{"Intel(R) Core(TM) i5-2500K", types.GPUVendorIntel, "Intel HD Graphics", 512, true},
		{"AMD Ryzen 7 5700G with Radeon Graphics", types.GPUVendorAMD, "AMD Radeon Graphics (integrated)", 2048, true},
		{"AMD Ryzen 3 1200", types.GPUVendorAMD, "AMD Vega Graphics (integrated)", 1024, true},
		{"Some Other CPU", types.GPUVendorNone, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.cpu, func(t *testing.T) {
			vendor, model, vram, ok := fallbackGPUFromCPU(tt.cpu)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantVendor, vendor)
			assert.Equal(t, tt.wantModel, model)
			assert.Equal(t, tt.wantVRAM, vram)
		})
	}
}

func TestGPUVendorFromName(t *testing.T) {
	assert.Equal(t, types.GPUVendorNVIDIA, gpuVendorFromName("NVIDIA GeForce RTX 4090"))
	assert.Equal(t, types.GPUVendorAMD, gpuVendorFromName("AMD Radeon RX 7900 XTX"))
	assert.Equal(t, types.GPUVendorIntel, gpuVendorFromName("Intel Arc A770"))
	assert.Equal(t, types.GPUVendorApple, gpuVendorFromName("Apple M2 Max"))
	assert.Equal(t, types.GPUVendorNone, gpuVendorFromName("Matrox G200"))
}

func TestParseSystemProfilerDisplays(t *testing.T) {
	output := `Graphics/Displays:

    Intel Iris Plus Graphics 655:

      Chipset Model: Intel Iris Plus Graphics 655
      Type: GPU
      VRAM (Dynamic, Max): 1536 MB
      Metal: Supported, feature set macOS GPUFamily2 v1
`
	chipset, vram := parseSystemProfilerDisplays(output)
	assert.Equal(t, "Intel Iris Plus Graphics 655", chipset)
	assert.Equal(t, 1536, vram)
}

func TestParseWmicVideoControllers(t *testing.T) {
	output := "Node,AdapterRAM,Name\r\nDESKTOP,4293918720,NVIDIA GeForce GTX 1080\r\nDESKTOP,1073741824,Intel(R) UHD Graphics 630\r\n"
	name, vram := parseWmicVideoControllers(output)
	assert.Equal(t, "NVIDIA GeForce GTX 1080", name)
	assert.Equal(t, 4095, vram)
}

func TestParseSysctlUint(t *testing.T) {
	v, ok := parseSysctlUint("hw.memsize: 17179869184\n")
	require.True(t, ok)
	assert.Equal(t, uint64(17179869184), v)

	_, ok = parseSysctlUint("garbage")
	assert.False(t, ok)
}

func TestParseLspciVGA(t *testing.T) {
	output := `00:02.0 VGA compatible controller: NVIDIA Corporation GA102 [GeForce RTX 3090] (rev a1)
00:1f.3 Audio device: Intel Corporation Device 7a50`
	vendor, model := parseLspciVGA(output)
	assert.Equal(t, types.GPUVendorNVIDIA, vendor)
	assert.Contains(t, model, "GeForce RTX 3090")
}

// The probe must always produce a usable profile, falling back to sentinels
// for anything the host cannot answer.
func TestProbeInvariants(t *testing.T) {
	detector := NewDetector()
	profile := detector.Probe(context.Background())

	assert.GreaterOrEqual(t, profile.PhysicalCores, 1)
	assert.GreaterOrEqual(t, profile.LogicalCores, profile.PhysicalCores)
	assert.GreaterOrEqual(t, profile.VRAMMiB, 0)
	assert.Contains(t, []types.GPUVendor{
		types.GPUVendorNone, types.GPUVendorNVIDIA, types.GPUVendorAMD,
		types.GPUVendorIntel, types.GPUVendorApple,
	}, profile.GPUVendor)
	assert.False(t, profile.UpdatedAt.Before(profile.CreatedAt))

	// second probe is served from the memo and yields the same profile
	again := detector.Probe(context.Background())
	assert.Equal(t, profile, again)
}
