package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chemdrive/internal/api"
	"chemdrive/internal/config"
	applog "chemdrive/internal/log"
	"chemdrive/internal/loop"
	"chemdrive/internal/models"
	"chemdrive/internal/probe"
	"chemdrive/internal/recent"
	"chemdrive/internal/service"
	"chemdrive/internal/supervisor"
	"chemdrive/internal/watch"
	"chemdrive/web"
)

const (
	appName         = "chemdrive"
	shutdownTimeout = 30 * time.Second
	strayTimeout    = 10 * time.Second
)

// app holds the wired components shared by every command.
type app struct {
	loop     *loop.Loop
	sup      *supervisor.Supervisor
	drive    *service.Drive
	watcher  *watch.Watcher
	registry *prometheus.Registry
}

func newApp(cfg *config.Config, driveCfg *config.DriveConfig) *app {
	a := &app{
		loop:     loop.New(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := slog.Default()
	a.sup = supervisor.New(a.loop, supervisor.WorkerFromConfig(driveCfg.Worker),
		supervisor.WithMetrics(supervisor.NewMetrics(a.registry)),
		supervisor.WithLogger(logger.With("component", "supervisor")),
	)

	opts := service.Options{
		DataDir: cfg.DataDir,
		Virtual: driveCfg.Virtual,
		Prober:  probe.New(driveCfg.Worker.ProbeURL),
		Logger:  logger.With("component", "drive"),
	}

	if path, err := recent.DefaultPath(appName); err != nil {
		slog.Warn("recent projects unavailable", "error", err)
	} else {
		opts.Recent = recent.New(path)
	}

	w, err := watch.New(func(path string) {
		a.loop.Post(func() { a.drive.FileChanged(path) })
	})
	if err != nil {
		slog.Warn("configuration file watching unavailable", "error", err)
	} else {
		a.watcher = w
		opts.Watcher = w
	}

	a.drive = service.NewDrive(a.loop, a.sup, opts)
	return a
}

// call runs fn on the event loop.
func (a *app) call(ctx context.Context, fn func()) error {
	return a.drive.Call(ctx, fn)
}

// run executes body while the event loop and the file watcher are running.
// Once body returns, or on SIGINT/SIGTERM, the worker is stopped and the
// loop is closed.
func (a *app) run(ctx context.Context, body func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.loop.Run(context.Background())
	})

	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(ctx)
			return a.watcher.Close()
		})
	}

	g.Go(func() error {
		defer a.loop.Close()
		defer cancel()

		err := body(ctx)

		slog.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if serr := a.drive.Shutdown(sctx); serr != nil {
			slog.Warn("worker shutdown", "error", serr)
		}
		return err
	})

	return g.Wait()
}

// printEvents writes operator notifications to w.
func (a *app) printEvents(w io.Writer) (cancel func()) {
	var mu sync.Mutex
	return a.drive.Subscribe(func(ev models.Event) {
		if ev.Kind == models.EventState || ev.Message == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %-8s %s\n", ev.Time.Format(time.TimeOnly), ev.Level(), ev.Message)
	})
}

func doServe(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg, driveCfg)

	router, err := api.NewRouter(a.drive, a.registry, web.GetTemplatesFS(), web.GetStaticFS())
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx := applog.ContextAttrs(cmd.Context(), slog.Group("chemdrive",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	return a.run(ctx, func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			slog.InfoContext(ctx, "starting ChemDrive web UI", "address", cfg.Server.Address)
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.InfoContext(ctx, "server exited gracefully")
		return nil
	})
}

// runOutcome collects device states until the worker is gone.
type runOutcome struct {
	mu     sync.Mutex
	states map[string]models.ServerState
	done   chan struct{}
	once   sync.Once
}

func newRunOutcome() *runOutcome {
	return &runOutcome{states: make(map[string]models.ServerState), done: make(chan struct{})}
}

func (o *runOutcome) record(ev models.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[ev.Device] = ev.State
}

func (o *runOutcome) finish() {
	o.once.Do(func() { close(o.done) })
}

func (o *runOutcome) failed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var failed []string
	for _, name := range slices.Sorted(maps.Keys(o.states)) {
		if o.states[name] == models.StateError {
			failed = append(failed, name)
		}
	}
	return failed
}

func (o *runOutcome) unverified() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var names []string
	for _, name := range slices.Sorted(maps.Keys(o.states)) {
		if o.states[name] != models.StateVerified {
			names = append(names, name)
		}
	}
	return names
}

// load opens path on the loop and returns its device names.
func (a *app) load(ctx context.Context, path string) ([]string, error) {
	var err error
	var devices []string
	if cerr := a.call(ctx, func() {
		if err = a.drive.Load(path); err != nil {
			return
		}
		var cards []models.DeviceCard
		cards, err = a.drive.Cards()
		for _, c := range cards {
			devices = append(devices, c.Name)
		}
	}); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%s: no devices configured", path)
	}
	return devices, nil
}

func doRun(cmd *cobra.Command, args []string) error {
	a := newApp(cfg, driveCfg)
	cancelPrint := a.printEvents(os.Stdout)
	defer cancelPrint()

	outcome := newRunOutcome()
	a.drive.Subscribe(func(ev models.Event) {
		if ev.Kind != models.EventState {
			return
		}
		outcome.record(ev)
		// Devices drop to OFF or ERROR once the worker is gone or failed
		// to launch.
		if (ev.State == models.StateOff || ev.State == models.StateError) && !a.sup.IsRunning() {
			outcome.finish()
		}
	})

	ctx := applog.ContextAttrs(cmd.Context(), slog.Group("chemdrive",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	return a.run(ctx, func(ctx context.Context) error {
		if _, err := a.load(ctx, args[0]); err != nil {
			return err
		}

		var err error
		if cerr := a.call(ctx, func() { err = a.drive.Run(flagKillStray) }); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}

		select {
		case <-outcome.done:
		case <-ctx.Done():
			return nil
		}
		if failed := outcome.failed(); len(failed) > 0 {
			return fmt.Errorf("worker failed for devices %v", failed)
		}
		return nil
	})
}

func doTest(cmd *cobra.Command, args []string) error {
	a := newApp(cfg, driveCfg)
	cancelPrint := a.printEvents(os.Stdout)
	defer cancelPrint()

	outcome := newRunOutcome()
	a.drive.Subscribe(func(ev models.Event) {
		switch {
		case ev.Kind == models.EventState:
			outcome.record(ev)
		case ev.Kind == models.EventSuccess && ev.Message == "Test complete",
			ev.Kind == models.EventWarning && ev.Message == "Test cancelled":
			outcome.finish()
		}
	})

	ctx := applog.ContextAttrs(cmd.Context(), slog.Group("chemdrive",
		slog.String("cmd", "test"),
		slog.Int("pid", os.Getpid()),
	))

	return a.run(ctx, func(ctx context.Context) error {
		devices, err := a.load(ctx, args[0])
		if err != nil {
			return err
		}

		if cerr := a.call(ctx, func() { err = a.drive.ToggleTest() }); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}

		select {
		case <-outcome.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		fmt.Fprintln(os.Stdout)
		for _, name := range devices {
			var state models.ServerState
			if err := a.call(ctx, func() { state = a.drive.State(name) }); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-24s %s\n", name, state)
		}
		if bad := outcome.unverified(); len(bad) > 0 {
			return fmt.Errorf("devices not verified: %v", bad)
		}
		return nil
	})
}

func doKillStray(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg, driveCfg)
	cancelPrint := a.printEvents(os.Stdout)
	defer cancelPrint()

	return a.run(cmd.Context(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, strayTimeout)
		defer cancel()

		found, err := a.sup.TerminateExisting(ctx)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(os.Stdout, "No stray worker process found.")
		}
		return nil
	})
}
