package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/ZeroCam/internal/config"
	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/web"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "zerocam",
		Short:        "ZeroCam - camera capture pipeline",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join("configs", "zerocam.yaml"), "path to config file")
	root.AddCommand(newServeCmd(&cfgPath), newShootCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bind the camera and serve the HTTP control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Web.Addr = addr
			}
			return serve(cmd.Context(), *cfgPath, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides web.addr")
	return cmd
}

func serve(ctx context.Context, cfgPath string, cfg *config.Config) error {
	broadcaster := web.NewBroadcaster()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	debug.SetOutput(io.MultiWriter(os.Stdout, broadcaster.Writer()))
	defer debug.SetOutput(os.Stdout)

	unsub := a.ctrl.Subscribe(broadcaster.Publish)
	defer unsub()

	if _, err := a.bind(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := web.NewServer(cfg.Web.Addr, a.ctrl, broadcaster, a.metrics.Handler())
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, func(next *config.Config) { a.reload(next) })
	})

	err = g.Wait()
	if serr := a.shutdown(); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		err = errors.Join(err, serr)
	}
	return err
}

// shootFlags override the configured capture settings for one run.
type shootFlags struct {
	count    int
	format   string
	ev       float64
	flash    bool
	bw       bool
	rotation int
	iso      int
	shutter  int64
}

func newShootCmd(cfgPath *string) *cobra.Command {
	var f shootFlags
	cmd := &cobra.Command{
		Use:   "shoot",
		Short: "Take photos and print where they were stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyShootFlags(cmd, &f, cfg)
			return shoot(cmd.Context(), cmd.OutOrStdout(), cfg, &f)
		},
	}
	cmd.Flags().IntVarP(&f.count, "count", "n", 1, "number of photos")
	cmd.Flags().StringVar(&f.format, "format", "", "jpeg, raw or fast")
	cmd.Flags().Float64Var(&f.ev, "ev", 0, "auto exposure compensation")
	cmd.Flags().BoolVar(&f.flash, "flash", false, "fire the flash")
	cmd.Flags().BoolVar(&f.bw, "bw", false, "save grayscale")
	cmd.Flags().IntVar(&f.rotation, "rotation", 0, "device rotation in degrees")
	cmd.Flags().IntVar(&f.iso, "iso", 0, "manual sensitivity (with --shutter)")
	cmd.Flags().Int64Var(&f.shutter, "shutter", 0, "manual exposure time in ns (with --iso)")
	return cmd
}

func (f *shootFlags) validate() error {
	if f.count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", f.count)
	}
	if (f.iso > 0) != (f.shutter > 0) {
		return errors.New("--iso and --shutter go together")
	}
	if f.iso < 0 || f.shutter < 0 {
		return errors.New("--iso and --shutter must be positive")
	}
	return nil
}

// applyShootFlags copies explicitly set flags into cfg.
func applyShootFlags(cmd *cobra.Command, f *shootFlags, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("format") {
		cfg.Pipeline.Format = f.format
	}
	if flags.Changed("ev") {
		cfg.Pipeline.EV = f.ev
	}
	if flags.Changed("flash") {
		cfg.Pipeline.Flash = f.flash
	}
	if flags.Changed("bw") {
		cfg.Pipeline.BW = f.bw
	}
}

func shoot(ctx context.Context, out io.Writer, cfg *config.Config, f *shootFlags) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.bind(ctx); err != nil {
		return err
	}
	a.ctrl.SetRotation(f.rotation)
	if f.iso > 0 {
		m := a.ctrl.SetManualExposure(f.iso, f.shutter)
		debug.Value("Manual exposure", m)
	}

	for i := 0; i < f.count; i++ {
		loc, err := a.shootOnce(ctx)
		if err != nil {
			return fmt.Errorf("photo %d/%d: %w", i+1, f.count, err)
		}
		fmt.Fprintln(out, loc.Path)
	}
	return a.shutdown()
}
