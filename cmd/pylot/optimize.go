package pylot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gcforged/pylot/pkg/config"
	"github.com/gcforged/pylot/pkg/fetcher"
	"github.com/gcforged/pylot/pkg/hardware"
	"github.com/gcforged/pylot/pkg/optimizer"
	"github.com/gcforged/pylot/pkg/types"
)

type optimizeOptions struct {
	configPath    string
	modelPath     string
	mockBenchmark bool
	jsonOutput    bool
}

func NewOptimizeCmd() *cobra.Command {
	opts := &optimizeOptions{}

	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Probe the hardware and tune the runtime.",
		Long:  "Probe this machine, derive build flags and runtime parameters, run a benchmark and persist the optimization profile.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return optimize(cmd, opts)
		},
	}

	optimizeCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the JSON configuration file")
	optimizeCmd.PersistentFlags().StringVar(&opts.modelPath, "model", "", "model to benchmark, overrides the configured model.path")
	optimizeCmd.PersistentFlags().BoolVar(&opts.mockBenchmark, "mock-benchmark", false, "synthesise benchmark numbers instead of launching the runtime")
	optimizeCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print the full report as JSON")

	return optimizeCmd
}

func optimize(cmd *cobra.Command, opts *optimizeOptions) error {
	setupLogging()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.modelPath != "" {
		cfg.Model.Path = opts.modelPath
	}

	modelFetcher := fetcher.New(cfg.Model.CacheDir, cfg.Backend.MaxRetries)
	modelPath, err := modelFetcher.Resolve(cmd.Context(), cfg.Model.Path)
	if err != nil {
		return fmt.Errorf("resolving model: %w", err)
	}

	profileStore := hardware.NewStore(cfg.Optimization.ProfileDir)
	opt := optimizer.New(
		hardware.NewDetector(),
		profileStore,
		optimizer.NewResultsStore(cfg.Optimization.ProfileDir),
		optimizer.WithReserveInteractiveCore(cfg.Optimization.ReserveInteractiveCore),
		optimizer.WithMockBenchmark(opts.mockBenchmark || cfg.Optimization.MockBenchmark),
	)

	report, err := opt.RunFull(cmd.Context(), modelPath)
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}

	if opts.jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printReport(os.Stdout, report)
	fmt.Printf("\nProfile written to %s\n", profileStore.Path())
	return nil
}

func printReport(w io.Writer, report optimizer.FullReport) {
	profile := report.Profile

	gpu := "none"
	if profile.GPUModel != "" {
		gpu = fmt.Sprintf("%s (%s, %s VRAM)", profile.GPUModel, profile.GPUVendor,
			humanize.IBytes(uint64(profile.VRAMMiB)*1024*1024))
	}

	hardwareTable := tablewriter.NewWriter(w)
	hardwareTable.Header([]string{"Hardware", "Value"})
	hardwareTable.Append([]string{"CPU", profile.CPUModel})
	hardwareTable.Append([]string{"Cores", fmt.Sprintf("%d physical / %d logical", profile.PhysicalCores, profile.LogicalCores)})
	hardwareTable.Append([]string{"RAM", humanize.IBytes(uint64(profile.TotalRAMMiB) * 1024 * 1024)})
	hardwareTable.Append([]string{"GPU", gpu})
	hardwareTable.Append([]string{"Acceleration", accelSummary(profile.Accel)})
	hardwareTable.Render()

	fmt.Fprintln(w)

	runtimeTable := tablewriter.NewWriter(w)
	runtimeTable.Header([]string{"Runtime Parameter", "Value"})
	runtimeTable.Append([]string{"threads", fmt.Sprintf("%d", report.Runtime.Threads)})
	runtimeTable.Append([]string{"context_size", fmt.Sprintf("%d", report.Runtime.ContextSize)})
	runtimeTable.Append([]string{"batch_size", fmt.Sprintf("%d", report.Runtime.BatchSize)})
	runtimeTable.Append([]string{"gpu_layers", fmt.Sprintf("%d", report.Runtime.GPULayers)})
	runtimeTable.Render()

	fmt.Fprintln(w)

	flagsTable := tablewriter.NewWriter(w)
	flagsTable.Header([]string{"Build Flag", "Value"})
	flagsTable.Append([]string{"arch_flags", strings.Join(report.Flags.ArchFlags, " ")})
	flagsTable.Append([]string{"blas_vendor", report.Flags.BLASVendor})
	flagsTable.Append([]string{"gpu_backend", report.Flags.GPUBackend})
	flagsTable.Append([]string{"make_flags", strings.Join(report.Flags.MakeFlags, " ")})
	flagsTable.Render()

	fmt.Fprintln(w)

	bench := report.Bench
	benchTable := tablewriter.NewWriter(w)
	benchTable.Header([]string{"Benchmark", "Value"})
	benchTable.Append([]string{"run_id", bench.RunID})
	benchTable.Append([]string{"tokens/s", fmt.Sprintf("%.2f", bench.TokensPerSecond)})
	benchTable.Append([]string{"latency", fmt.Sprintf("%.1f ms", bench.LatencyMS)})
	benchTable.Append([]string{"memory", fmt.Sprintf("%.0f MiB", bench.MemoryMiB)})
	benchTable.Append([]string{"iterations", fmt.Sprintf("%d", len(bench.Iterations))})
	if bench.Error != "" {
		benchTable.Append([]string{"error", bench.Error})
	}
	benchTable.Render()
}

func accelSummary(a types.Acceleration) string {
	if !a.Any() {
		return "none"
	}
	var apis []string
	if a.CUDA {
		apis = append(apis, "CUDA")
	}
	if a.ROCm {
		apis = append(apis, "ROCm")
	}
	if a.Metal {
		apis = append(apis, "Metal")
	}
	if a.Vulkan {
		apis = append(apis, "Vulkan")
	}
	if a.OpenCL {
		apis = append(apis, "OpenCL")
	}
	return strings.Join(apis, ", ")
}
