package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddielth/scada-core/alarm"
	"github.com/eddielth/scada-core/api"
	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/controller"
	"github.com/eddielth/scada-core/engine"
	"github.com/eddielth/scada-core/event"
	"github.com/eddielth/scada-core/historian"
	"github.com/eddielth/scada-core/hub"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/metric"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("cli")

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime: sync engine, historian, REST and WebSocket",
		Long: `Load the point definitions, alarm book and event log, seed the
controller image if it is missing, and serve until SIGINT/SIGTERM.

Example:
  scada serve --config config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			defer logger.Close()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, rootOpts.ConfigPath, cfg)
		},
	}
}

// runtime is the wired set of services behind serve.
type runtime struct {
	cfg       *config.Config
	store     *point.Store
	feed      controller.Feed
	metrics   *metric.Metrics
	hub       *hub.Hub
	historian *historian.Historian
	engine    *engine.Engine
	server    *api.Server
}

// build loads the persisted state and wires every service. The historian is
// optional; a failure to open it is logged and trend queries answer 503.
func build(cfg *config.Config) (*runtime, error) {
	store, err := point.Load(cfg.System.DefsPath)
	if err != nil {
		return nil, err
	}

	feed, err := controller.New(cfg.Controller)
	if err != nil {
		return nil, err
	}
	if ff, ok := feed.(*controller.FileFeed); ok {
		if _, err := ff.SeedIfMissing(store.Document()); err != nil {
			return nil, err
		}
	}

	system := store.System()
	if system == "" {
		system = cfg.System.Name
	}
	book := alarm.NewBook(cfg.System.AlarmsPath, system)
	if err := book.Load(); err != nil {
		return nil, err
	}
	events := event.NewLog(cfg.System.EventsPath, cfg.System.MaxEvents)
	if err := events.Load(); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, store: store, feed: feed, metrics: metric.New()}
	rt.hub = hub.New(hub.Options{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		SendQueue:         cfg.Hub.SendQueue,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, rt.metrics)

	if cfg.Historian.Enabled {
		rt.historian, err = historian.Open(cfg.Historian, rt.metrics)
		if err != nil {
			log.Error("Historian unavailable: %v", err)
			rt.historian = nil
		}
	}

	rt.engine = engine.New(engine.Deps{
		Store:   store,
		Feed:    feed,
		Alarms:  book,
		Events:  events,
		Hub:     rt.hub,
		Metrics: rt.metrics,
	}, engine.Options{User: cfg.System.User, System: system})

	rt.server = api.New(api.Deps{
		Engine:    rt.engine,
		Historian: rt.historian,
		Hub:       rt.hub,
		Metrics:   rt.metrics,
		Version:   Version,
	})
	return rt, nil
}

// applyConfig takes the settings that can change without a restart.
func (rt *runtime) applyConfig(cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		return err
	}
	if mf, ok := rt.feed.(*controller.MQTTFeed); ok {
		if err := mf.ReloadTransformer(cfg.Controller.Transformer); err != nil {
			return err
		}
	}
	if rt.historian != nil {
		rt.historian.Filter().SetParams(cfg.Historian.MinPeriod, cfg.Historian.Deadband)
	}
	log.Info("Applied log level %s, historian min period %v, deadband %g",
		cfg.Logger.Level, cfg.Historian.MinPeriod, cfg.Historian.Deadband)
	return nil
}

func (rt *runtime) close() {
	if c, ok := rt.feed.(controller.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("Failed to close controller feed: %v", err)
		}
	}
	if err := rt.historian.Close(); err != nil {
		log.Warn("Failed to close historian: %v", err)
	}
}

func serve(ctx context.Context, configPath string, cfg *config.Config) error {
	rt, err := build(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if s, ok := rt.feed.(controller.Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start controller feed: %w", err)
		}
	}

	if configPath != "" {
		if err := config.WatchConfig(configPath, rt.applyConfig); err != nil {
			log.Warn("Config watch disabled: %v", err)
		}
	}

	rt.engine.Prime()
	log.Info("Runtime started: %d points, system %s", rt.store.Len(), rt.store.System())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.engine.Run(ctx, cfg.Sync.Interval)
	})
	if rt.historian != nil {
		g.Go(func() error {
			return rt.historian.Run(ctx, historian.ScheduleFrom(cfg.Historian), rt.engine.Points)
		})
	}
	g.Go(func() error {
		return rt.server.ListenAndServe(ctx, cfg.Server.Addr)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Runtime stopped")
	return nil
}
