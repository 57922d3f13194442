// Command linefollower runs the line-following control loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/config"
	"github.com/tigerbot-team/linefollower/pkg/hardware"
	"github.com/tigerbot-team/linefollower/pkg/tunable"
)

type options struct {
	configPath string
	dummy      bool
	console    bool
	debug      bool
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "linefollower",
		Short:        "Follow a line until the finish mark",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			// Ctrl-C and systemd stop both shut the motors down cleanly.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath, "YAML configuration file")
	cmd.Flags().BoolVar(&opts.dummy, "dummy", false, "run against a simulated robot")
	cmd.Flags().BoolVar(&opts.console, "console", true, "with --dummy, take remote commands on stdin")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// loadConfig falls back to the defaults when there is no file.  watch reports
// whether there is a file worth watching.
func loadConfig(path string, log *zap.Logger) (cfg config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("No config file; using defaults", zap.String("path", path))
		return config.Default(), false, nil
	case err != nil:
		return cfg, false, err
	}
	if err := cfg.WriteInUse(path); err != nil {
		log.Warn("Failed to record config in use", zap.Error(err))
	}
	return cfg, true, nil
}

// stdioConsole is the terminal as a remote.  Stdin is pumped through a pipe
// so that closing the console unblocks the reader.
type stdioConsole struct {
	*io.PipeReader
	io.Writer
}

func newStdioConsole() stdioConsole {
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, os.Stdin)
		_ = pw.CloseWithError(err)
	}()
	return stdioConsole{PipeReader: pr, Writer: os.Stdout}
}

func run(ctx context.Context, opts options, log *zap.Logger) error {
	log.Info("---- Line follower ----", zap.Int("GOMAXPROCS", runtime.GOMAXPROCS(0)))

	cfg, watch, err := loadConfig(opts.configPath, log)
	if err != nil {
		return err
	}
	ac, err := cfg.ArbiterConfig()
	if err != nil {
		return err
	}

	var robot *hardware.Robot
	if opts.dummy {
		var console io.ReadWriteCloser
		if opts.console {
			console = newStdioConsole()
		}
		if robot, _, err = hardware.NewDummy(cfg.Remote, console, log.Named("sim")); err != nil {
			return err
		}
	} else if robot, err = hardware.New(cfg, log); err != nil {
		return fmt.Errorf("failed to initialise hardware: %w", err)
	}
	defer func() {
		log.Info("Zeroing motors for shut down")
		if err := robot.Close(); err != nil {
			log.Warn("Error during shut down", zap.Error(err))
		}
	}()

	var ts tunable.Tunables
	a, err := arbiter.New(ac, arbiter.Collaborators{
		Sensors:     robot.Sensors,
		Rotation:    robot.Rotation,
		Motors:      robot.Motors,
		PositionPID: cfg.PID.Sensor.Controller(&ts, config.SensorPIDPrefix, ac.Period),
		RotationPID: cfg.PID.Gyro.Controller(&ts, config.GyroPIDPrefix, ac.Period),
		Remote:      robot.Remote,
		Buttons:     robot.Buttons,
		Status:      robot.Status,
		Tunables:    &ts,
	}, log.Named("arbiter"))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Loop(ctx) })
	for _, edges := range robot.Edges {
		g.Go(func() error { return edges(ctx, a.Crossings()) })
	}
	for _, r := range robot.Runners {
		g.Go(func() error { return r(ctx) })
	}
	if watch {
		g.Go(func() error {
			return config.Watch(ctx, opts.configPath, log.Named("config"), func(c config.Config) {
				if changed := c.ApplyGains(&ts); len(changed) > 0 {
					log.Info("Applied new PID gains", zap.Strings("changed", changed))
				}
			})
		})
	}
	return g.Wait()
}
