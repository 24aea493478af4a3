package hardware

import (
	"bufio"
	"context"
	"os/exec"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	probeCacheKey = "profile"
	probeCacheTTL = 60 * time.Second
)

// Detector probes the local machine and produces a HardwareProfile. Each
// sub-probe is isolated: a GPU probe failure never fails the CPU probe, and
// missing information degrades to documented sentinels (vendor none, VRAM 0).
// Probe results are memoized briefly because the vendor tools are slow.
type Detector struct {
	memo *gocache.Cache
}

func NewDetector() *Detector {
	return &Detector{
		memo: gocache.New(probeCacheTTL, 2*probeCacheTTL),
	}
}

// Probe returns the current hardware profile. It never fails: fields a probe
// could not fill hold their sentinel values with a "none" source tag.
func (d *Detector) Probe(ctx context.Context) types.HardwareProfile {
	if cached, ok := d.memo.Get(probeCacheKey); ok {
		return cached.(types.HardwareProfile)
	}

	now := time.Now().UTC()
	profile := types.HardwareProfile{
		GPUVendor: types.GPUVendorNone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.probeCPU(ctx, &profile)
	d.probeMemory(ctx, &profile)
	d.probeGPU(ctx, &profile)
	d.probeAcceleration(ctx, &profile)

	if profile.GPUVendor == types.GPUVendorNone {
		applyGPUFallback(&profile)
	}

	log.Info().
		Str("cpu_model", profile.CPUModel).
		Int("physical_cores", profile.PhysicalCores).
		Int("logical_cores", profile.LogicalCores).
		Str("gpu_vendor", string(profile.GPUVendor)).
		Str("gpu_model", profile.GPUModel).
		Int("vram_mib", profile.VRAMMiB).
		Int("total_ram_mib", profile.TotalRAMMiB).
		Bool("cuda", profile.Accel.CUDA).
		Bool("rocm", profile.Accel.ROCm).
		Bool("metal", profile.Accel.Metal).
		Msg("hardware probe complete")

	d.memo.Set(probeCacheKey, profile, gocache.DefaultExpiration)
	return profile
}

// Invalidate drops the memoized probe result so the next Probe re-queries the
// machine. Used after config changes that force re-optimization.
func (d *Detector) Invalidate() {
	d.memo.Delete(probeCacheKey)
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func connectCmdStdErrToLogger(cmd *exec.Cmd) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error().Err(err).Msg("failed to get stderr pipe")
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Msg(scanner.Text())
		}
	}()
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	connectCmdStdErrToLogger(cmd)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// applyGPUFallback guesses an integrated GPU from the CPU identity string.
// Only used when every direct probe returned nothing; the guessed fields are
// tagged as heuristic so downstream consumers can tell them apart.
func applyGPUFallback(profile *types.HardwareProfile) {
	vendor, model, vramMiB, ok := fallbackGPUFromCPU(profile.CPUModel)
	if !ok {
		log.Warn().Msg("could not detect GPU, using conservative estimates")
		profile.GPUModel = "Unknown GPU"
		profile.VRAMMiB = 0
		profile.SetSource("gpu", types.ProbeSourceNone)
		return
	}

	profile.GPUVendor = vendor
	profile.GPUModel = model
	profile.VRAMMiB = vramMiB
	profile.SetSource("gpu", types.ProbeSourceHeuristic)
	profile.SetSource("vram", types.ProbeSourceHeuristic)
	log.Info().
		Str("gpu_model", model).
		Int("vram_mib", vramMiB).
		Msg("using fallback GPU detection from CPU identity")
}
