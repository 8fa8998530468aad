package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/bench"
)

var (
	applyVoltage   int
	applyFrequency int
	applyNoRestart bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <host> [host...]",
	Short: "Apply a fixed voltage/frequency setting without benchmarking",
	Long: `Push a single core voltage and frequency pair to each miner and
restart it. The setting is validated against the configured bands but no
sampling or tuning takes place.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().IntVarP(&applyVoltage, "voltage", "v", 0, "core voltage in mV (required)")
	applyCmd.Flags().IntVarP(&applyFrequency, "frequency", "f", 0, "frequency in MHz (required)")
	applyCmd.Flags().BoolVar(&applyNoRestart, "no-restart", false, "skip the restart after applying")
	applyCmd.MarkFlagRequired("voltage")   //nolint:errcheck
	applyCmd.MarkFlagRequired("frequency") //nolint:errcheck
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, hosts []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	setting := bench.Setting{CoreVoltage: applyVoltage, Frequency: applyFrequency}
	policy := bench.NewPolicy(cfg.RunConfig().Policy)
	if err := policy.ValidateSetting(setting); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := controllerFactory(cfg, logger)
	var failed int
	for _, host := range hosts {
		ctrl := factory(host)
		if err := ctrl.ApplySettings(ctx, setting.CoreVoltage, setting.Frequency); err != nil {
			logger.Error("failed to apply settings", zap.String("device", host), zap.Error(err))
			failed++
			continue
		}
		if !applyNoRestart {
			if err := ctrl.Restart(ctx); err != nil {
				logger.Error("failed to restart device", zap.String("device", host), zap.Error(err))
				failed++
				continue
			}
		}
		fmt.Printf("%s: applied %s\n", host, setting)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d device(s) failed", failed, len(hosts))
	}
	return nil
}
