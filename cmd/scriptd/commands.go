package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rutomatrix/scriptd/internal/client"
	"github.com/Rutomatrix/scriptd/internal/fetch"
	"github.com/Rutomatrix/scriptd/internal/gadget"
	"github.com/Rutomatrix/scriptd/internal/log"
	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/server"
	"github.com/Rutomatrix/scriptd/internal/service"
	"github.com/Rutomatrix/scriptd/internal/stack"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	watchDebounce   = 250 * time.Millisecond
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run NAME [-- ARGS...]",
	Short: "run executes a script and streams its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "scripts directory commands",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list scripts of the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		return printJSON(cmd, d.catalog.List())
	},
}

var scriptsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "fetch the scripts directory from the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		if err := d.syncer.Sync(cmd.Context()); err != nil {
			return err
		}
		return printJSON(cmd, d.catalog.List())
	},
}

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "service stack commands",
}

var stackInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "install, enable and start the units in dependency order, then bind the gadget",
	Args:  cobra.NoArgs,
	RunE: stackOp(func(ctx context.Context, s stackOps) ([]model.StepOutcome, error) {
		return s.Install(ctx)
	}),
}

var stackRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "unbind the gadget, then stop, disable and remove the units in reverse order",
	Args:  cobra.NoArgs,
	RunE: stackOp(func(ctx context.Context, s stackOps) ([]model.StepOutcome, error) {
		return s.Remove(ctx)
	}),
}

var stackStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "show unit states and the gadget binding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, closeFn, err := stackFor(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		st, err := s.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

var gadgetCmd = &cobra.Command{
	Use:   "gadget",
	Short: "USB gadget binding commands",
}

var gadgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the gadget binding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		st, err := d.guard.State()
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

var gadgetBindCmd = &cobra.Command{
	Use:   "bind",
	Short: "bind the gadget to the configured controller",
	Args:  cobra.NoArgs,
	RunE: gadgetOp(func(ctx context.Context, m *stack.Manager) (gadget.Outcome, error) {
		return m.Bind(ctx)
	}),
}

var gadgetUnbindCmd = &cobra.Command{
	Use:   "unbind",
	Short: "unbind the gadget",
	Args:  cobra.NoArgs,
	RunE: gadgetOp(func(ctx context.Context, m *stack.Manager) (gadget.Outcome, error) {
		return m.Unbind(ctx)
	}),
}

var isoCmd = &cobra.Command{
	Use:   "iso",
	Short: "mass storage image commands",
}

var isoListCmd = &cobra.Command{
	Use:   "list",
	Short: "list images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		isos, err := d.media.List()
		if err != nil {
			return err
		}
		return printJSON(cmd, isos)
	},
}

var isoMountCmd = &cobra.Command{
	Use:   "mount FILENAME",
	Short: "expose an image to the host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		var iso gadget.ISO
		err = d.stack.Exclusive(cmd.Context(), func(ctx context.Context) error {
			var err error
			iso, err = d.media.Mount(ctx, args[0])
			return err
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, iso)
	},
}

var isoEjectCmd = &cobra.Command{
	Use:   "eject",
	Short: "remove the image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		return d.stack.Exclusive(cmd.Context(), d.media.Eject)
	},
}

// deps are the components built from the configuration
type deps struct {
	catalog *service.ScriptCatalog
	exec    *service.Executor
	syncer  *service.Syncer
	guard   *gadget.Guard
	media   *gadget.Media
	stack   *stack.Manager
	closers []func()
}

// newDeps builds the components. The systemd connection is opened only when
// withUnits is set and units are configured.
func newDeps(ctx context.Context, withUnits bool) (*deps, error) {
	catalog, err := service.NewScriptCatalog(config.Scripts.Dir, config.Scripts.Allowed)
	if err != nil {
		return nil, err
	}
	d := &deps{
		catalog: catalog,
		exec: service.NewExecutor(
			catalog,
			service.NewRunRegistry(config.Scripts.GraceDuration()),
			service.OptionsFromConfig(config.Scripts),
		),
		syncer: service.NewSyncer(fetch.NewGit(), config.Scripts.Repository, catalog),
		guard:  gadget.NewGuard(config.Gadget.UDC),
	}
	d.media = gadget.NewMedia(config.Gadget, d.guard)

	var cfg model.Stack
	if config.Stack != nil {
		cfg = *config.Stack
	}
	var um stack.UnitManager
	if withUnits && len(cfg.Units) > 0 {
		sd, err := stack.NewSystemd(ctx, cfg.UnitDir)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, sd.Close)
		um = sd
	} else {
		cfg.Units = nil
	}
	d.stack, err = stack.New(cfg, um, d.guard)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("stack.units: %w", err)
	}
	return d, nil
}

func (d *deps) close() {
	for _, c := range d.closers {
		c()
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("scriptd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	d, err := newDeps(ctx, true)
	if err != nil {
		return err
	}
	defer d.close()

	// background jobs are set up before the server listens, so a failure
	// leaves nothing running
	var stoppers []func() error
	stopAll := func() {
		for _, stop := range stoppers {
			_ = stop()
		}
	}
	var start func()
	if config.Scripts.Refresh != nil {
		sched, err := service.NewScheduler(ctx, *config.Scripts.Refresh, func() {
			if err := d.syncer.Sync(ctx); err != nil {
				slog.WarnContext(ctx, "scheduled fetch failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		start = sched.Start
		stoppers = append(stoppers, sched.Shutdown)
	}
	if config.Scripts.Watch {
		stopWatch, err := service.WatchCatalog(ctx, d.catalog, watchDebounce)
		if err != nil {
			stopAll()
			return err
		}
		stoppers = append(stoppers, stopWatch)
	}

	srv := server.New(config.Service.Listen, d.exec, d.syncer, d.stack, d.media)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		// streams end with a cancelled exit event before the server goes
		for _, r := range d.exec.Active() {
			d.exec.Cancel(r.Script)
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	for _, stop := range stoppers {
		g.Go(func() error {
			<-gctx.Done()
			return stop()
		})
	}
	if start != nil {
		start()
	}

	slog.InfoContext(ctx, "scriptd started",
		"listen", config.Service.Listen,
		"scripts", d.catalog.Dir(),
		"units", d.stack.Units(),
	)
	return g.Wait()
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if flagServer != "" {
		c, err := client.New(flagServer)
		if err != nil {
			return err
		}
		st, err := c.Run(ctx, args[0], args[1:], out)
		if err != nil {
			return err
		}
		return runResult(st)
	}

	d, err := newDeps(ctx, false)
	if err != nil {
		return err
	}
	defer d.close()

	ex, err := d.exec.Run(ctx, args[0], args[1:])
	if err != nil {
		return err
	}
	for line := range ex.Lines() {
		if line.Terminated {
			_, err = fmt.Fprintln(out, line.Text)
		} else {
			_, err = fmt.Fprint(out, line.Text)
		}
		if err != nil {
			ex.Cancel()
		}
	}
	return runResult(ex.Wait())
}

func runResult(st model.RunStatus) error {
	if st.State != model.RunSucceeded {
		return fmt.Errorf("script %s %s with exit code %d", st.Script, st.State, st.ExitCode)
	}
	return nil
}

// stackOps is served by the local Manager or by a running server
type stackOps interface {
	Install(ctx context.Context) ([]model.StepOutcome, error)
	Remove(ctx context.Context) ([]model.StepOutcome, error)
	Status(ctx context.Context) (model.StackStatus, error)
}

func stackFor(ctx context.Context) (stackOps, func(), error) {
	if flagServer != "" {
		c, err := client.New(flagServer)
		return c, func() {}, err
	}
	d, err := newDeps(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return d.stack, d.close, nil
}

func stackOp(fn func(context.Context, stackOps) ([]model.StepOutcome, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		s, closeFn, err := stackFor(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		steps, opErr := fn(cmd.Context(), s)
		if err := printJSON(cmd, steps); err != nil {
			return errors.Join(opErr, err)
		}
		return opErr
	}
}

func gadgetOp(fn func(context.Context, *stack.Manager) (gadget.Outcome, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		d, err := newDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.close()
		out, err := fn(cmd.Context(), d.stack)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
		return err
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
