package hardware

import (
	"context"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

func (d *Detector) probeGPU(ctx context.Context, profile *types.HardwareProfile) {
	switch runtime.GOOS {
	case "linux":
		d.probeLinuxGPU(ctx, profile)
	case "darwin":
		d.probeDarwinGPU(ctx, profile)
	case "windows":
		d.probeWindowsGPU(ctx, profile)
	default:
		log.Warn().Str("os", runtime.GOOS).Msg("no GPU probe for this platform")
	}
}

func (d *Detector) probeLinuxGPU(ctx context.Context, profile *types.HardwareProfile) {
	// NVIDIA first (nvidia-smi)
	if commandAvailable("nvidia-smi") {
		output, err := commandOutput(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
		if err == nil {
			name, vramMiB, count := parseNvidiaSMI(output)
			if count > 0 {
				profile.GPUVendor = types.GPUVendorNVIDIA
				profile.GPUModel = name
				profile.VRAMMiB = vramMiB
				profile.SetSource("gpu", types.ProbeSourceProbed)
				profile.SetSource("vram", types.ProbeSourceProbed)
				log.Info().Str("vendor", "nvidia").Str("model", name).Int("vram_mib", vramMiB).Msg("detected NVIDIA GPU via nvidia-smi")
				return
			}
		} else {
			log.Warn().Err(err).Msg("nvidia-smi present but query failed")
		}
	}

	// AMD (rocm-smi)
	if commandAvailable("rocm-smi") {
		vramMiB := 0
		if output, err := commandOutput(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv"); err == nil {
			vramMiB, _ = parseRocmVRAM(output)
		}
		name := "AMD GPU"
		if output, err := commandOutput(ctx, "rocm-smi", "--showproductname", "--csv"); err == nil {
			if parsed := parseRocmProductName(output); parsed != "" {
				name = parsed
			}
		}
		profile.GPUVendor = types.GPUVendorAMD
		profile.GPUModel = name
		profile.VRAMMiB = vramMiB
		profile.SetSource("gpu", types.ProbeSourceProbed)
		if vramMiB > 0 {
			profile.SetSource("vram", types.ProbeSourceProbed)
		}
		log.Info().Str("vendor", "amd").Str("model", name).Int("vram_mib", vramMiB).Msg("detected AMD GPU via rocm-smi")
		return
	}

	// lspci sees the device even when the vendor tools are absent. It cannot
	// tell us the VRAM, so that stays at the sentinel.
	if commandAvailable("lspci") {
		output, err := commandOutput(ctx, "lspci")
		if err == nil {
			vendor, model := parseLspciVGA(output)
			if vendor != types.GPUVendorNone {
				profile.GPUVendor = vendor
				profile.GPUModel = model
				profile.SetSource("gpu", types.ProbeSourceProbed)
				log.Info().Str("vendor", string(vendor)).Str("model", model).Msg("detected GPU via lspci, VRAM unknown")
				return
			}
		}
	}
}

func (d *Detector) probeDarwinGPU(ctx context.Context, profile *types.HardwareProfile) {
	arch, err := commandOutput(ctx, "sysctl", "-n", "hw.machine")
	if err != nil {
		log.Warn().Err(err).Msg("failed to get Mac architecture")
		return
	}

	if strings.TrimSpace(arch) == "arm64" {
		// Apple Silicon: unified memory, the GPU budget is system RAM
		profile.GPUVendor = types.GPUVendorApple
		brand, err := commandOutput(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
		if err == nil {
			profile.GPUModel = strings.TrimSpace(brand)
		} else {
			profile.GPUModel = "Apple Silicon"
		}
		if output, err := commandOutput(ctx, "sysctl", "hw.memsize"); err == nil {
			if total, ok := parseSysctlUint(output); ok {
				profile.VRAMMiB = int(total / (1024 * 1024))
				profile.SetSource("vram", types.ProbeSourceProbed)
			}
		}
		profile.SetSource("gpu", types.ProbeSourceProbed)
		log.Info().Str("vendor", "apple").Str("model", profile.GPUModel).Int("vram_mib", profile.VRAMMiB).Msg("detected Apple Silicon unified memory")
		return
	}

	// Intel Mac: ask system_profiler about the display adapter
	output, err := commandOutput(ctx, "system_profiler", "SPDisplaysDataType")
	if err != nil {
		log.Warn().Err(err).Msg("system_profiler probe failed")
		return
	}
	chipset, vramMiB := parseSystemProfilerDisplays(output)
	if chipset == "" {
		return
	}
	profile.GPUModel = chipset
	profile.VRAMMiB = vramMiB
	profile.GPUVendor = gpuVendorFromName(chipset)
	profile.SetSource("gpu", types.ProbeSourceProbed)
	if vramMiB > 0 {
		profile.SetSource("vram", types.ProbeSourceProbed)
	}
	log.Info().Str("model", chipset).Int("vram_mib", vramMiB).Msg("detected GPU via system_profiler")
}

func (d *Detector) probeWindowsGPU(ctx context.Context, profile *types.HardwareProfile) {
	output, err := commandOutput(ctx, "wmic", "path", "win32_VideoController", "get", "AdapterRAM,Name", "/format:csv")
	if err != nil {
		log.Warn().Err(err).Msg("wmic GPU probe failed")
		return
	}
	name, vramMiB := parseWmicVideoControllers(output)
	if name == "" {
		return
	}
	profile.GPUModel = name
	profile.VRAMMiB = vramMiB
	profile.GPUVendor = gpuVendorFromName(name)
	profile.SetSource("gpu", types.ProbeSourceProbed)
	if vramMiB > 0 {
		profile.SetSource("vram", types.ProbeSourceProbed)
	}
	log.Info().Str("model", name).Int("vram_mib", vramMiB).Msg("detected GPU via wmic")
}

func (d *Detector) probeAcceleration(ctx context.Context, profile *types.HardwareProfile) {
	switch profile.GPUVendor {
	case types.GPUVendorNVIDIA:
		if version := nvidiaCUDAVersion(ctx); version != "" {
			profile.Accel.CUDA = true
			log.Info().Str("cuda", version).Msg("CUDA available")
		} else if commandAvailable("nvcc") {
			profile.Accel.CUDA = true
		}
	case types.GPUVendorAMD:
		if commandAvailable("rocm-smi") || commandAvailable("rocminfo") {
			profile.Accel.ROCm = true
		}
	case types.GPUVendorApple:
		profile.Accel.Metal = darwinMetalSupported(ctx)
	}

	if runtime.GOOS == "darwin" && profile.GPUVendor != types.GPUVendorApple {
		profile.Accel.Metal = darwinMetalSupported(ctx)
	}
	if commandAvailable("vulkaninfo") {
		profile.Accel.Vulkan = true
	}
	if commandAvailable("clinfo") {
		profile.Accel.OpenCL = true
	}
}

// nvidiaCUDAVersion extracts the CUDA version from the nvidia-smi banner:
// "| NVIDIA-SMI 575.57.08   Driver Version: 575.57.08   CUDA Version: 12.9 |"
func nvidiaCUDAVersion(ctx context.Context) string {
	output, err := commandOutput(ctx, "nvidia-smi")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "CUDA Version:") {
			continue
		}
		parts := strings.Split(line, "CUDA Version:")
		if len(parts) > 1 {
			versionPart := strings.TrimSpace(parts[1])
			versionPart = strings.Split(versionPart, " ")[0]
			versionPart = strings.TrimRight(versionPart, "|")
			return strings.TrimSpace(versionPart)
		}
	}
	return ""
}

func darwinMetalSupported(ctx context.Context) bool {
	output, err := commandOutput(ctx, "system_profiler", "SPDisplaysDataType")
	if err != nil {
		return false
	}
	return strings.Contains(output, "Metal") && strings.Contains(output, "Supported")
}

// parseNvidiaSMI parses "name, memory.total" CSV lines, one per GPU, summing
// the memory across all of them. The reported name is the first GPU's.
func parseNvidiaSMI(output string) (string, int, int) {
	var (
		name    string
		vramMiB int
		count   int
	)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "name") {
			continue
		}
		idx := strings.LastIndex(line, ",")
		if idx < 0 {
			continue
		}
		gpuName := strings.TrimSpace(line[:idx])
		mem, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			log.Error().Str("line", line).Msg("error parsing nvidia-smi output line")
			continue
		}
		if name == "" {
			name = gpuName
		}
		vramMiB += mem
		count++
	}
	return name, vramMiB, count
}

// parseRocmVRAM parses rocm-smi CSV output: "device,vram_total,vram_used"
// with values in MiB, one line per GPU.
func parseRocmVRAM(output string) (int, int) {
	var (
		vramMiB int
		count   int
	)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "GPU") || strings.HasPrefix(line, "device,") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		mem, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			log.Error().Str("line", line).Msg("error parsing rocm-smi CSV output")
			continue
		}
		vramMiB += mem
		count++
	}
	return vramMiB, count
}

func parseRocmProductName(output string) string {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "device,") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) >= 2 && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// parseLspciVGA scans lspci output for a display controller line.
func parseLspciVGA(output string) (types.GPUVendor, string) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "VGA compatible controller") && !strings.Contains(line, "3D controller") {
			continue
		}
		idx := strings.Index(line, "controller:")
		model := line
		if idx >= 0 {
			model = strings.TrimSpace(line[idx+len("controller:"):])
		}
		if vendor := gpuVendorFromName(line); vendor != types.GPUVendorNone {
			return vendor, model
		}
	}
	return types.GPUVendorNone, ""
}

var vramRe = regexp.MustCompile(`(?i)VRAM \(.*?\):\s*(\d+)\s*([GM]B)`)

// parseSystemProfilerDisplays pulls the chipset model and VRAM out of
// `system_profiler SPDisplaysDataType` output.
func parseSystemProfilerDisplays(output string) (string, int) {
	var chipset string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Chipset Model:") {
			chipset = strings.TrimSpace(strings.TrimPrefix(line, "Chipset Model:"))
			break
		}
	}

	vramMiB := 0
	if m := vramRe.FindStringSubmatch(output); m != nil {
		amount, err := strconv.Atoi(m[1])
		if err == nil {
			if strings.EqualFold(m[2], "GB") {
				vramMiB = amount * 1024
			} else {
				vramMiB = amount
			}
		}
	}
	return chipset, vramMiB
}

// parseWmicVideoControllers parses `wmic ... /format:csv` output:
// "Node,AdapterRAM,Name" per controller. Picks the adapter with the most RAM.
func parseWmicVideoControllers(output string) (string, int) {
	var (
		bestName string
		bestMiB  int
	)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if line == "" || strings.HasPrefix(line, "Node,") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		ram, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(parts[2])
		mib := int(ram / (1024 * 1024))
		if name != "" && mib >= bestMiB {
			bestName = name
			bestMiB = mib
		}
	}
	return bestName, bestMiB
}

func parseSysctlUint(output string) (uint64, bool) {
	// Example output: hw.memsize: 17179869184
	parts := strings.Split(output, ":")
	if len(parts) != 2 {
		return 0, false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func gpuVendorFromName(name string) types.GPUVendor {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "nvidia") || strings.Contains(n, "geforce") || strings.Contains(n, "quadro") || strings.Contains(n, "tesla"):
		return types.GPUVendorNVIDIA
	case strings.Contains(n, "amd") || strings.Contains(n, "radeon") || strings.Contains(n, "advanced micro devices"):
		return types.GPUVendorAMD
	case strings.Contains(n, "intel"):
		return types.GPUVendorIntel
	case strings.Contains(n, "apple"):
		return types.GPUVendorApple
	default:
		return types.GPUVendorNone
	}
}

// fallbackGPUFromCPU derives an integrated-GPU guess from the CPU identity
// string: recent Intel desktop parts ship Iris Xe / UHD graphics, Ryzen
// APUs ship Radeon/Vega. Returns ok=false when the identity gives no hint.
func fallbackGPUFromCPU(cpuModel string) (types.GPUVendor, string, int, bool) {
	m := strings.ToLower(cpuModel)
	switch {
	case strings.Contains(m, "intel"):
		switch {
		case containsAny(m, "13th", "12th"):
			return types.GPUVendorIntel, "Intel Iris Xe Graphics", 2048, true
		case containsAny(m, "11th", "10th"):
			return types.GPUVendorIntel, "Intel UHD Graphics", 1536, true
		case containsAny(m, "9th", "8th", "7th"):
			return types.GPUVendorIntel, "Intel UHD Graphics 630", 1024, true
		default:
			return types.GPUVendorIntel, "Intel HD Graphics", 512, true
		}
	case strings.Contains(m, "amd") && (strings.Contains(m, "ryzen") || strings.Contains(m, "apu")):
		if containsAny(m, "7", "6") {
			return types.GPUVendorAMD, "AMD Radeon Graphics (integrated)", 2048, true
		}
		return types.GPUVendorAMD, "AMD Vega Graphics (integrated)", 1024, true
	default:
		return types.GPUVendorNone, "", 0, false
	}
}
