package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nickysemenza/gola"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/app"
	"github.com/robmorgan/metronome/config"
	"github.com/robmorgan/metronome/fixture"
	"github.com/robmorgan/metronome/health"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/observe"
	"github.com/robmorgan/metronome/training"
	"github.com/robmorgan/metronome/ui"
	"github.com/robmorgan/metronome/web"
)

type runOptions struct {
	bpm       float64
	signature string
	volume    float64
	tone      string
	tui       bool
	logFile   string
	http      bool
	osc       bool
	dmx       bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the metronome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMetronome(cmd.Context(), cmd.Flags(), runOpts, nil)
	},
}

func init() {
	addRunFlags(runCmd.Flags(), &runOpts)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(fs *pflag.FlagSet, o *runOptions) {
	fs.Float64Var(&o.bpm, "bpm", 0, "tempo in beats per minute")
	fs.StringVar(&o.signature, "signature", "", "time signature, e.g. 4/4 or 7/8")
	fs.Float64Var(&o.volume, "volume", 0, "click volume between 0 and 1")
	fs.StringVar(&o.tone, "tone", "", "click sound (click, beep, woodblock, cowbell, noise)")
	fs.BoolVar(&o.tui, "tui", true, "show the terminal interface")
	fs.StringVar(&o.logFile, "log-file", "metronome.log", "where logs go while the terminal interface is shown")
	fs.BoolVar(&o.http, "http", false, "serve the HTTP API")
	fs.BoolVar(&o.osc, "osc", false, "mirror beats to OSC")
	fs.BoolVar(&o.dmx, "dmx", false, "flash the patched lights on every beat")
}

// loadConfig reads the config file, if any, and applies the flags that were set on the command line.
func loadConfig(fs *pflag.FlagSet, o runOptions) (config.MetronomeConfig, error) {
	cfg := config.NewMetronomeConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}

	if fs.Changed("bpm") {
		cfg.Metronome.BPM = o.bpm
	}
	if fs.Changed("signature") {
		n, d, err := parseSignature(o.signature)
		if err != nil {
			return cfg, err
		}
		cfg.Metronome.Numerator, cfg.Metronome.Denominator = n, d
	}
	if fs.Changed("volume") {
		cfg.Metronome.Volume = o.volume
	}
	if fs.Changed("tone") {
		cfg.Metronome.Tone = o.tone
	}
	if fs.Changed("http") {
		cfg.HTTP.Enabled = o.http
	}
	if fs.Changed("osc") {
		cfg.OSC.Enabled = o.osc
	}
	if fs.Changed("dmx") {
		cfg.DMX.Enabled = o.dmx
	}
	return cfg, cfg.Validate()
}

func parseSignature(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time signature %q, want N/D", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time signature %q: %w", s, err)
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time signature %q: %w", s, err)
	}
	return n, d, nil
}

// runMetronome starts every enabled subsystem and blocks until the user quits or a signal arrives.
// When plan is set the metronome follows it instead of playing a fixed tempo.
func runMetronome(ctx context.Context, fs *pflag.FlagSet, o runOptions, plan *training.Plan) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(fs, o)
	if err != nil {
		return err
	}

	log := logger.GetProjectLogger()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if o.tui {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.WithError(err).Warn("failed to shut down metrics")
		}
	}()

	a, err := app.New(cfg, app.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("error while shutting down")
		}
	}()

	log.Info("Initializing metronome...")
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.DMX.Enabled && a.Flasher() != nil {
		log.Info("Connecting to OLA...")
		client, err := gola.New(cfg.DMX.OLAAddr)
		if err != nil {
			log.WithError(err).Error("could not connect to OLA; lights disabled")
		} else {
			var ola fixture.OLAClient = client
			g.Go(func() error {
				return ignoreCanceled(fixture.SendDMXWorker(ctx, ola, cfg.DMX.Tick(), clock.RealClock{}, a.Flasher()))
			})
		}
	}

	if cfg.HTTP.Enabled {
		srv := web.NewServer(a, cfg.HTTP.ListenAddr,
			web.WithHealth(health.New(health.AudioDevice(a.AudioClock))),
			web.WithMetricsHandler(observe.Handler()),
		)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if plan != nil {
		err = a.StartTraining(plan)
	} else {
		err = a.Start()
	}
	if err != nil {
		return err
	}

	if o.tui {
		g.Go(func() error {
			defer cancel()
			return ui.Run(a)
		})
	} else {
		log.WithField("bpm", cfg.Metronome.BPM).Info("metronome running; press ctrl+c to stop")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
