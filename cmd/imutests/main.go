// Command imutests calibrates the gyro and prints its rate, for checking the
// IMU wiring and the sign of the Z axis on the bench.
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

func main() {
	var (
		configPath string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:          "imutests",
		Short:        "Print the calibrated gyro rate",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			cfg, err := config.Load(configPath)
			if errors.Is(err, os.ErrNotExist) {
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return err
			}

			m, err := hardware.OpenIMU(cfg.IMU, log)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			who, err := m.WhoAmI()
			if err != nil {
				return err
			}
			fmt.Printf("WHO_AM_I: %#x\n", who)

			fmt.Println("Calibrating; keep the robot still...")
			for !m.Calibrate() {
				time.Sleep(10 * time.Millisecond)
			}
			fmt.Printf("Bias: %.1f\n", m.Bias())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			// Turn the robot anti-clockwise: the rate should be positive.
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					m.Update()
					fmt.Printf("Rate: %7.2f deg/s\n", m.CurrentRate())
				}
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "YAML configuration file")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "time between readings")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
