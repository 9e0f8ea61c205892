// Package app wires the core collaborators (aliveness, history, queue),
// the Endpoint Layer, the stuck-buckets reaper, and the /jobEvents
// websocket broadcaster into one long-lived process, and supervises
// their three independent loops under one cancellation scope with
// golang.org/x/sync/errgroup.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/config"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/enqueue"
	"github.com/AutoQASpace/emcee-queueserver/internal/events"
	"github.com/AutoQASpace/emcee-queueserver/internal/history"
	"github.com/AutoQASpace/emcee-queueserver/internal/httpapi"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
	"github.com/AutoQASpace/emcee-queueserver/internal/queue"
)

// App is the assembled queue server process.
type App struct {
	Log       *logger.Logger
	Config    config.Config
	Signature domain.PayloadSignature

	aliveness *aliveness.Provider
	balancing *queue.BalancingBucketQueue
	reaper    *queue.Reaper
	hub       *events.Hub
	server    *httpapi.Server
	listener  net.Listener
	httpSrv   *http.Server

	portFilePath string
	allowlistW   *config.AllowlistWatcher
}

// Options configures process-level concerns Load can't express on its
// own: the config file path, the port-discovery file, and the version
// string the CLI's --emcee-version flag supplies.
type Options struct {
	ConfigPath   string
	PortFilePath string
	EmceeVersion string
}

// New loads configuration, builds every core collaborator, binds a port
// from the configured range, and assembles the HTTP handler. It does not
// start serving; call Run for that.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "app: loading configuration")
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		return nil, errors.Wrap(err, "app: building logger")
	}

	alive := aliveness.New(aliveness.Config{
		ReportAliveInterval:           time.Duration(cfg.DefaultWorkerConfiguration.ReportAliveIntervalSeconds) * time.Second,
		AdditionalTimeToPerformReport: time.Duration(cfg.DefaultWorkerConfiguration.ReportAliveGraceSeconds) * time.Second,
	}, toWorkerIDs(cfg.WorkerIDs))

	tracker := history.NewTracker(history.NewStorage())
	balancing := queue.NewBalancingBucketQueue(alive, tracker)
	enqueuer := enqueue.NewTestsEnqueuer()

	hub := events.NewHub(log)
	balancing.AddObserver(hub)
	alive.AddObserver(hub)

	reaper := queue.NewReaper(balancing, time.Duration(cfg.ReaperInterval), log, hub)

	signature := domain.NewPayloadSignature()
	server := httpapi.NewServer(cfg, signature, opts.EmceeVersion, alive, balancing, enqueuer, hub, log)

	listener, port, err := bindPort(cfg.PortRange, cfg.UseOnlyIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "app: binding listen port")
	}

	httpSrv := &http.Server{
		Handler:           httpapi.NewHandler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a := &App{
		Log:          log,
		Config:       cfg,
		Signature:    signature,
		aliveness:    alive,
		balancing:    balancing,
		reaper:       reaper,
		hub:          hub,
		server:       server,
		listener:     listener,
		httpSrv:      httpSrv,
		portFilePath: opts.PortFilePath,
	}

	if opts.ConfigPath != "" {
		w, err := config.WatchAllowlist(opts.ConfigPath, log, func(ids []string) {
			alive.SetAllowlist(toWorkerIDs(ids))
		})
		if err != nil {
			log.Warn("could not start allow-list watcher, allow-list is fixed at boot", "error", err)
		} else {
			a.allowlistW = w
		}
	}

	if a.portFilePath != "" {
		if err := os.WriteFile(a.portFilePath, []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
			log.Warn("could not write port file", "path", a.portFilePath, "error", err)
		}
	}

	log.Info("queue server ready", "port", port, "env", cfg.Environment)
	return a, nil
}

func toWorkerIDs(ids []string) []domain.WorkerId {
	out := make([]domain.WorkerId, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.WorkerId(id))
	}
	return out
}

// bindPort tries every port in [r.Min, r.Max] in order and returns the
// first that's free.
func bindPort(r config.PortRange, ipv4Only bool) (net.Listener, int, error) {
	network := "tcp"
	if ipv4Only {
		network = "tcp4"
	}
	var lastErr error
	for port := r.Min; port <= r.Max; port++ {
		ln, err := net.Listen(network, fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, errors.Wrapf(lastErr, "no free port in range [%d, %d]", r.Min, r.Max)
}

// Run blocks, serving HTTP, sweeping stuck buckets, and broadcasting
// job events until ctx is canceled or the auto-termination controller
// fires (the server has been idle for longer than
// QueueServerTerminationPolicy.IdleFor while that policy is enabled). It
// returns nil when ctx is canceled and ErrIdleTimeout when the
// auto-termination controller fires.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		a.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := a.httpSrv.Serve(a.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.hub.Run()
		return nil
	})

	g.Go(func() error {
		err := a.reaper.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	if a.Config.QueueServerTerminationPolicy.Enabled {
		g.Go(func() error {
			return a.runIdleTerminationController(gctx)
		})
	}

	return g.Wait()
}

// runIdleTerminationController polls the server's idle clock and
// requests shutdown once it exceeds the configured threshold.
func (a *App) runIdleTerminationController(ctx context.Context) error {
	idleFor := time.Duration(a.Config.QueueServerTerminationPolicy.IdleFor)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.server.IdleSince() >= idleFor {
				a.Log.Info("auto-termination policy fired", "idleFor", idleFor)
				return ErrIdleTimeout
			}
		}
	}
}

// ErrIdleTimeout is returned by Run when the auto-termination policy
// fires. The CLI entrypoint treats it as a graceful stop (exit code 0),
// not a failure.
var ErrIdleTimeout = errors.New("queue server idle-termination policy fired")

// Close releases the listen socket; safe to call after Run returns. The
// allow-list watcher is not stopped here (config.WatchAllowlist has no
// Stop).
func (a *App) Close() {
	_ = a.listener.Close()
}
