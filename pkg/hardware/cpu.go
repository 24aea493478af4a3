package hardware

import (
	"context"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
	gopscpu "github.com/shirou/gopsutil/v4/cpu"
	gopsmem "github.com/shirou/gopsutil/v4/mem"

	"github.com/gcforged/pylot/pkg/types"
)

func (d *Detector) probeCPU(ctx context.Context, profile *types.HardwareProfile) {
	infos, err := gopscpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		log.Warn().Err(err).Msg("CPU info probe failed")
	} else {
		profile.CPUModel = strings.TrimSpace(infos[0].ModelName)
		profile.FrequencyMHz = infos[0].Mhz
		profile.Features = parseCPUFeatureFlags(infos[0].Flags)
		profile.SetSource("cpu", types.ProbeSourceProbed)
	}

	physical, err := gopscpu.CountsWithContext(ctx, false)
	if err != nil || physical < 1 {
		log.Warn().Err(err).Msg("physical core count probe failed, falling back to GOMAXPROCS")
		physical = runtime.NumCPU()
	}
	logical, err := gopscpu.CountsWithContext(ctx, true)
	if err != nil || logical < 1 {
		logical = runtime.NumCPU()
	}
	if physical < 1 {
		physical = 1
	}
	if logical < physical {
		logical = physical
	}
	profile.PhysicalCores = physical
	profile.LogicalCores = logical

	// gopsutil leaves Flags empty on some platforms; take the identity-string
	// guess rather than reporting no vector extensions at all.
	if !anyFeature(profile.Features) {
		if runtime.GOOS == "darwin" && d.probeDarwinFeatures(ctx, profile) {
			return
		}
		profile.Features = heuristicCPUFeatures(profile.CPUModel)
		if anyFeature(profile.Features) {
			profile.SetSource("features", types.ProbeSourceHeuristic)
		}
	} else {
		profile.SetSource("features", types.ProbeSourceProbed)
	}
}

func (d *Detector) probeMemory(ctx context.Context, profile *types.HardwareProfile) {
	vm, err := gopsmem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory probe failed")
		return
	}
	profile.TotalRAMMiB = int(vm.Total / (1024 * 1024))
	profile.SetSource("ram", types.ProbeSourceProbed)
}

// probeDarwinFeatures reads the vector extension sets sysctl exposes on
// Intel Macs. Apple Silicon reports none of them, which is correct: the
// AVX family does not exist there.
func (d *Detector) probeDarwinFeatures(ctx context.Context, profile *types.HardwareProfile) bool {
	brand, err := commandOutput(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	if err == nil && strings.Contains(strings.ToLower(brand), "apple") {
		profile.SetSource("features", types.ProbeSourceProbed)
		return true
	}

	features, err := commandOutput(ctx, "sysctl", "-n", "machdep.cpu.features")
	if err != nil {
		return false
	}
	leaf7, _ := commandOutput(ctx, "sysctl", "-n", "machdep.cpu.leaf7_features")
	profile.Features = parseCPUFeatureFlags(strings.Fields(features + " " + leaf7))
	profile.SetSource("features", types.ProbeSourceProbed)
	return true
}

func anyFeature(f types.CPUFeatures) bool {
	return f.AVX || f.AVX2 || f.AVX512 || f.F16C || f.FMA
}

// parseCPUFeatureFlags maps raw flag tokens to the extension set the
// optimizer cares about. Linux /proc/cpuinfo uses lowercase ("avx512f"),
// macOS sysctl uses uppercase ("AVX1.0").
func parseCPUFeatureFlags(flags []string) types.CPUFeatures {
	var features types.CPUFeatures
	for _, flag := range flags {
		switch strings.ToLower(strings.TrimSpace(flag)) {
		case "avx", "avx1.0":
			features.AVX = true
		case "avx2":
			features.AVX2 = true
		case "avx512f", "avx512":
			features.AVX512 = true
		case "f16c":
			features.F16C = true
		case "fma", "fma3":
			features.FMA = true
		}
	}
	// the wider sets imply the narrower ones
	if features.AVX512 {
		features.AVX2 = true
	}
	if features.AVX2 {
		features.AVX = true
	}
	return features
}

// heuristicCPUFeatures guesses extensions from the CPU identity string when
// no flag list is available (Windows WMI reports none). Haswell (2013) and
// Zen introduced AVX2+FMA+F16C; anything older that still looks like a
// Core/FX part gets plain AVX.
func heuristicCPUFeatures(model string) types.CPUFeatures {
	m := strings.ToLower(model)
	if m == "" {
		return types.CPUFeatures{}
	}
	modern := strings.Contains(m, "ryzen") ||
		strings.Contains(m, "epyc") ||
		strings.Contains(m, "threadripper") ||
		containsAny(m, "13th", "12th", "11th", "10th", "9th", "8th", "7th", "6th", "5th", "4th")
	if modern {
		return types.CPUFeatures{AVX: true, AVX2: true, F16C: true, FMA: true}
	}
	if strings.Contains(m, "core") || strings.Contains(m, "xeon") || strings.Contains(m, "fx") {
		return types.CPUFeatures{AVX: true}
	}
	return types.CPUFeatures{}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
