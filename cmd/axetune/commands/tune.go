package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/bench"
	"github.com/axetune/axetune/internal/config"
	"github.com/axetune/axetune/internal/console"
	"github.com/axetune/axetune/internal/device"
	"github.com/axetune/axetune/internal/metrics"
	"github.com/axetune/axetune/internal/orchestrator"
	"github.com/axetune/axetune/internal/report"
)

var (
	tuneVoltage   int
	tuneFrequency int
	tuneNoColor   bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune <host> [host...]",
	Short: "Benchmark one or more miners and apply the best stable settings",
	Long: `Benchmark each miner concurrently, stepping frequency upward (and
voltage when the hashrate falls short) until a safety limit or a band
ceiling is reached. Each miner ends up on its best stable setting, or back
on its defaults when nothing stable was found.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTune,
}

func init() {
	tuneCmd.Flags().IntVarP(&tuneVoltage, "voltage", "v", 0, "initial core voltage in mV (overrides config)")
	tuneCmd.Flags().IntVarP(&tuneFrequency, "frequency", "f", 0, "initial frequency in MHz (overrides config)")
	tuneCmd.Flags().BoolVar(&tuneNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, hosts []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if tuneVoltage > 0 {
		cfg.Voltage.Initial = tuneVoltage
	}
	if tuneFrequency > 0 {
		cfg.Frequency.Initial = tuneFrequency
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	out := console.NewWriter(os.Stdout)
	if tuneNoColor {
		out.NoColor()
	}
	defer out.Close()

	printDisclaimer(out)

	var orch *orchestrator.Orchestrator
	exporter := metrics.NewExporter(cfg.Metrics, func() []bench.RunState {
		if orch == nil {
			return nil
		}
		return orch.Snapshots()
	}, logger)

	orch = orchestrator.New(orchestrator.Config{
		RunConfig:   cfg.RunConfig(),
		Controllers: controllerFactory(cfg, logger),
		Console:     out,
		Reporter:    report.New(cfg.Report.Directory, cfg.Report.TopN, logger),
		Observer:    exporter,
		Logger:      logger,
	})

	if err := exporter.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exporter.Stop(stopCtx) //nolint:errcheck
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Execute(ctx, hosts)
}

func controllerFactory(cfg *config.Config, logger *zap.Logger) orchestrator.ControllerFactory {
	httpClient := &http.Client{Timeout: cfg.Device.RequestTimeout.Std()}
	return func(host string) bench.Controller {
		return device.NewClient(host, logger,
			device.WithHTTPClient(httpClient),
			device.WithRetries(cfg.Device.Retries, cfg.Device.RetryWait.Std()),
		)
	}
}

func printDisclaimer(out *console.Writer) {
	out.Alert("DISCLAIMER:")
	out.Printf("This tool will stress test your miners by running them at various voltages and frequencies.")
	out.Printf("While safeguards are in place, running hardware outside of standard parameters carries inherent risks.")
	out.Printf("Use this tool at your own risk. The author(s) are not responsible for any damage to your hardware.")
	out.Printf("")
	out.Printf("NOTE: Ambient temperature significantly affects these results. The optimal settings found may not")
	out.Printf("work well if room temperature changes substantially. Re-run the benchmark if conditions change.")
	out.Printf("")
}
