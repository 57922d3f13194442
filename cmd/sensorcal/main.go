// Command sensorcal calibrates the sensor bar.  Sweep the bar slowly back and
// forth across the line while it runs; the thresholds are then written into
// the config file so the robot starts with them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/config"
	"github.com/tigerbot-team/linefollower/pkg/hardware"
)

// MinSpread is the smallest max-min range, in ADC counts, that shows a
// sensor has seen both the line and the floor.
const MinSpread = 100

type calibrator interface {
	Calibrate()
	Range() (min, max []uint16)
	Thresholds() []uint16
}

func main() {
	var (
		configPath string
		duration   time.Duration
		period     time.Duration
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:          "sensorcal",
		Short:        "Calibrate the line sensors and store the thresholds",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			cfg, err := config.Load(configPath)
			if errors.Is(err, os.ErrNotExist) {
				log.Warn("No config file; starting from defaults", zap.String("path", configPath))
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return err
			}
			if len(cfg.Sensors.DigitalPins) > 0 {
				return fmt.Errorf("sensors are digital; thresholds are set on the comparator board")
			}
			// Start from scratch rather than the stored calibration.
			cfg.Sensors.Thresholds = nil

			bar, closeBar, err := hardware.OpenSensors(cfg.Sensors, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeBar() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			log.Info("Sweep the bar across the line now", zap.Duration("for", duration))
			thresholds, err := sweep(ctx, bar, period, log)
			if err != nil {
				return err
			}
			log.Info("Calibration complete", zap.Any("thresholds", thresholds))
			if dryRun {
				return nil
			}
			return store(configPath, cfg, thresholds)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "YAML configuration file to update")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to sample for")
	cmd.Flags().DurationVar(&period, "period", 5*time.Millisecond, "time between samples")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the thresholds without saving them")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sweep samples until ctx is done and returns the thresholds.  It fails if
// any sensor never saw enough contrast.
func sweep(ctx context.Context, c calibrator, period time.Duration, log *zap.Logger) ([]uint16, error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	samples := 0
	for {
		select {
		case <-ctx.Done():
			min, max := c.Range()
			var flat []int
			for i := range min {
				if int(max[i])-int(min[i]) < MinSpread {
					flat = append(flat, i)
				}
			}
			if len(flat) > 0 {
				return nil, fmt.Errorf("sensors %v saw too little contrast (min %v, max %v)", flat, min, max)
			}
			log.Debug("Sampling finished", zap.Int("samples", samples))
			return c.Thresholds(), nil
		case <-ticker.C:
			c.Calibrate()
			samples++
		case <-progress.C:
			min, max := c.Range()
			log.Info("Calibrating", zap.Any("min", min), zap.Any("max", max))
		}
	}
}

func store(path string, cfg config.Config, thresholds []uint16) error {
	cfg.Sensors.Thresholds = thresholds
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save(path)
}
