package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"guidance-engine/internal/api"
	"guidance-engine/internal/clock"
	"guidance-engine/internal/config"
	"guidance-engine/internal/env"
	"guidance-engine/internal/fixture"
	"guidance-engine/internal/listener"
	"guidance-engine/internal/locator"
	"guidance-engine/internal/model"
	"guidance-engine/internal/orchestrator"
	"guidance-engine/internal/scheduler"
	"guidance-engine/internal/storage"
	"guidance-engine/internal/transport"
)

// Runtime is one wired engine: the collaborators, the loop and the HTTP
// surface. Build assembles it and Serve runs it until ctx ends.
type Runtime struct {
	cfg config.Config

	Postgres  *storage.Postgres
	Memory    *transport.Memory
	Batcher   *transport.Batcher
	Storage   env.Storage
	Page      env.Page
	Scheduler *scheduler.Scheduler
	Orch      *orchestrator.Orchestrator
	Pending   *orchestrator.Pending
	Handler   http.Handler

	closers []func()
}

func Run(cfg config.Config) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Build(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	go func() {
		select {
		case <-waitForSignal():
			log.Info().Msg("shutdown...")
			cancel()
		case <-rootCtx.Done():
		}
	}()
	return rt.Serve(rootCtx)
}

// Build connects the collaborators named by cfg. Without a database the
// content server is in memory, seeded from the fixture file; without Redis
// keyed state stays in process; without a browser the page is a fake.
func Build(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{cfg: cfg}

	var next transport.Transport
	if cfg.UsePostgres() {
		pg, err := storage.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				rt.Close()
				return nil, err
			}
		}
		if err := pg.RefreshContents(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("initial content load: %w", err)
		}
		rt.Postgres = pg
		next = pg
	} else {
		mem := transport.NewMemory(nil)
		if path := cfg.Content.FixturePath; path != "" {
			b, err := fixture.LoadBundle(path)
			if err != nil {
				return nil, err
			}
			if err := fixture.Validate(b.Contents); err != nil {
				return nil, fmt.Errorf("fixture %s: %w", path, err)
			}
			mem.SetContents(b.Contents)
			mem.SetThemes(b.Themes)
		}
		rt.Memory = mem
		next = mem
	}
	rt.Batcher = transport.NewBatcher(next, transport.BatcherOptions{
		EventsPerSecond: float64(cfg.Transport.EventsPerSecond),
		Backlog:         cfg.Transport.Backlog,
	})

	if cfg.UseRedis() {
		kv := storage.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.RedisTTL())
		if err := kv.Ping(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = kv.Close() })
		rt.Storage = kv
	} else {
		rt.Storage = storage.NewMemoryKV()
	}

	if cfg.Browser.ControlURL != "" {
		page, err := env.ConnectRod(ctx, cfg.Browser.ControlURL, cfg.Browser.PageURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = page.Close() })
		rt.Page = page
	} else {
		rt.Page = env.NewFake(cfg.Browser.PageURL)
	}

	rt.Scheduler = scheduler.New(scheduler.Options{
		Interval:   cfg.TickInterval(),
		MaxPerTick: cfg.Scheduler.MaxItemsPerTick,
	})
	rt.Orch = orchestrator.New(orchestrator.Options{
		Page:      rt.Page,
		Storage:   rt.Storage,
		Transport: rt.Batcher,
		Clock:     clock.Real{},
		Post:      rt.Scheduler.Post,
		Watcher: locator.Options{
			RetryDelay:    cfg.RetryInterval(),
			MaxRetries:    cfg.Watcher.MaxRetries,
			TargetMissing: cfg.TargetMissing(),
		},
		SessionExpiry: cfg.SessionExpiry(),
	})
	rt.Scheduler.SetSource(rt.Orch.Monitors)

	rt.Pending = orchestrator.NewPending(0)
	userID := cfg.Identity.UserID
	_ = rt.Pending.Do(func(o *orchestrator.Orchestrator) {
		var err error
		if userID != "" {
			err = o.Identify(ctx, model.User{ID: userID})
		} else {
			err = o.Init(ctx)
		}
		if err != nil {
			log.Error().Err(err).Msg("initial identify")
		}
	})

	rt.Handler = api.Router(api.NewGuidanceHandler(rt.Orch, rt.Scheduler))
	return rt, nil
}

// Serve runs the loop, the event batcher, the change listener and the HTTP
// server until ctx ends or one of them fails.
func (rt *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.Batcher.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := rt.Scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Identify runs off the loop; its content list is posted back to it.
	g.Go(func() error {
		rt.Pending.Bind(rt.Orch, nil)
		return nil
	})

	if rt.Postgres != nil {
		pg := rt.Postgres
		g.Go(func() error {
			listener.ListenAndRefresh(gctx, pg, func(ctx context.Context) error {
				if err := pg.RefreshContents(ctx); err != nil {
					return err
				}
				return rt.Orch.Reload(ctx)
			}, rt.cfg.Listener.Channel, rt.cfg.Backoff())
			return nil
		})
	}

	srv := &http.Server{
		Addr:         rt.cfg.Server.Addr,
		Handler:      rt.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", rt.cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		return srv.Shutdown(shCtx)
	})

	err := g.Wait()
	// The loop has stopped, so item state can be torn down from here.
	rt.Orch.Shutdown()
	return err
}

// Close releases connections opened by Build.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func waitForSignal() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
