package optimizer

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/gcforged/pylot/pkg/backend"
	"github.com/gcforged/pylot/pkg/types"
)

const (
	defaultBenchmarkPrompt     = "Explain the concept of recursion in one paragraph."
	defaultBenchmarkIterations = 3

	benchmarkTemperature = 0.7
	benchmarkMaxTokens   = 64
)

// benchRunner is the slice of the backend contract the benchmark needs.
type benchRunner interface {
	Start(ctx context.Context) error
	Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error)
	Shutdown(ctx context.Context) error
}

type benchRunnerFactory func(modelPath string, params types.RuntimeParameters) benchRunner

func newNativeBenchRunner(modelPath string, params types.RuntimeParameters) benchRunner {
	return backend.NewNative(backend.NativeConfig{
		ModelPath: modelPath,
		Runtime:   params,
	})
}

// Benchmark measures real generation throughput with the current runtime
// parameters: N identical requests with fixed sampling, reporting mean
// tokens/sec, mean latency and the process RSS delta. The backend is shut
// down on every exit path. Failures are not fatal: the result carries zeroed
// metrics and an error string.
func (o *Optimizer) Benchmark(ctx context.Context, modelPath, prompt string, iterations int) types.BenchmarkResult {
	if prompt == "" {
		prompt = defaultBenchmarkPrompt
	}
	if iterations < 1 {
		iterations = defaultBenchmarkIterations
	}

	profile := o.prober.Probe(ctx)
	params := o.ComputeRuntime(profile, 0)

	result := types.BenchmarkResult{
		RunID:      ulid.Make().String(),
		Prompt:     prompt,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
	}

	if o.mockBenchmark {
		o.mockBenchmarkResult(profile, params, iterations, &result)
	} else {
		o.runBenchmark(ctx, modelPath, prompt, params, iterations, &result)
	}

	if o.results != nil {
		if err := o.results.Append(result); err != nil {
			log.Warn().Err(err).Msg("could not persist benchmark result")
		}
	}
	return result
}

func (o *Optimizer) runBenchmark(ctx context.Context, modelPath, prompt string, params types.RuntimeParameters, iterations int, result *types.BenchmarkResult) {
	runner := o.newBenchRunner(modelPath, params)

	rssBefore := processRSSMiB()

	if err := runner.Start(ctx); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Msg("benchmark backend failed to start")
		return
	}
	defer func() {
		if err := runner.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("benchmark backend shutdown failed")
		}
	}()

	req := types.GenerationRequest{
		Prompt: prompt,
		Params: types.GenerationParams{
			MaxTokens:   benchmarkMaxTokens,
			Temperature: benchmarkTemperature,
		},
	}

	var totalTokens int
	var totalWallMS float64
	for i := 0; i < iterations; i++ {
		started := time.Now()
		gen, err := runner.Generate(ctx, req)
		if err != nil {
			result.Error = err.Error()
			result.TokensPerSecond = 0
			result.LatencyMS = 0
			result.Iterations = nil
			return
		}
		wallMS := float64(time.Since(started).Microseconds()) / 1000.0
		tokens := gen.Usage.CompletionTokens

		iter := types.BenchmarkIteration{
			Index:  i,
			Tokens: tokens,
			WallMS: wallMS,
		}
		if wallMS > 0 {
			iter.TokensPerSecond = float64(tokens) / (wallMS / 1000.0)
		}
		result.Iterations = append(result.Iterations, iter)
		totalTokens += tokens
		totalWallMS += wallMS
	}

	if totalWallMS > 0 {
		result.TokensPerSecond = float64(totalTokens) / (totalWallMS / 1000.0)
	}
	result.LatencyMS = totalWallMS / float64(iterations)
	if rssAfter := processRSSMiB(); rssAfter > rssBefore {
		result.MemoryMiB = rssAfter - rssBefore
	}
}

// mockBenchmarkResult synthesises plausible numbers from the profile alone,
// for environments where the native runtime cannot be launched. Throughput
// scales with cores, RAM headroom, GPU offload and batch size, with ±10%
// jitter per run.
func (o *Optimizer) mockBenchmarkResult(profile types.HardwareProfile, params types.RuntimeParameters, iterations int, result *types.BenchmarkResult) {
	cpuFactor := minf(float64(params.Threads)/2.0, 2.0)
	if cpuFactor < 0.5 {
		cpuFactor = 0.5
	}
	ramFactor := minf(float64(profile.TotalRAMMiB)/8000.0, 2.0)
	if ramFactor < 0.5 {
		ramFactor = 0.5
	}
	gpuFactor := 1.0
	if params.GPULayers > 0 {
		gpuFactor = 1.5 + minf(float64(profile.VRAMMiB)/4000.0, 2.0)
	}
	batchFactor := minf(float64(params.BatchSize)/256.0, 1.5)
	if batchFactor < 0.5 {
		batchFactor = 0.5
	}

	base := 15.0 * cpuFactor * ramFactor * gpuFactor * batchFactor
	latency := 100.0 / cpuFactor

	for i := 0; i < iterations; i++ {
		jitter := 1.0 + (rand.Float64()*0.2 - 0.1)
		tps := base * jitter
		wallMS := float64(benchmarkMaxTokens) / tps * 1000.0
		result.Iterations = append(result.Iterations, types.BenchmarkIteration{
			Index:           i,
			Tokens:          benchmarkMaxTokens,
			WallMS:          wallMS,
			TokensPerSecond: tps,
		})
	}

	jitter := 1.0 + (rand.Float64()*0.2 - 0.1)
	result.TokensPerSecond = base * jitter
	result.LatencyMS = latency
	result.MemoryMiB = float64(params.BatchSize)
	log.Debug().Float64("tokens_per_second", result.TokensPerSecond).Msg("synthesised mock benchmark")
}

func processRSSMiB() float64 {
	proc, err := gopsproc.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
