// roadsided runs the incident lifecycle daemon: the event bus, the durable
// wait service, and the orchestration engine over a sqlite database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/bus"
	"github.com/goliatone/go-roadside/config"
	"github.com/goliatone/go-roadside/escalate"
	"github.com/goliatone/go-roadside/match"
	"github.com/goliatone/go-roadside/orchestrator"
	"github.com/goliatone/go-roadside/store"
	"github.com/goliatone/go-roadside/wait"
)

var cli struct {
	Config string `short:"c" help:"Path to YAML configuration file." type:"path"`

	Serve    serveCmd    `cmd:"" default:"1" help:"Run the lifecycle daemon."`
	Validate validateCmd `cmd:"" help:"Validate the configuration and exit."`
}

type serveCmd struct{}

type validateCmd struct{}

// glogAdapter bridges go-logger to the per-package logger interfaces.
type glogAdapter struct {
	l glog.Logger
}

func (a glogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a glogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a glogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a glogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

func newLogger(cfg config.Logging) glogAdapter {
	if cfg.JSON {
		return glogAdapter{l: glog.NewLogger(
			glog.WithWriter(os.Stderr),
			glog.WithLevel(cfg.Level),
			glog.WithLoggerTypeJSON(),
		)}
	}
	return glogAdapter{l: glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(cfg.Level),
	)}
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("roadsided"),
		kong.Description("Roadside assistance incident lifecycle daemon."),
		kong.UsageOnError(),
	)
	ktx.FatalIfErrorf(ktx.Run())
}

func (validateCmd) Run() error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: db=%s attempts=%d base_radius=%.1f\n",
		cfg.Database.Path, cfg.Lifecycle.MaxAttempts, cfg.Lifecycle.BaseRadiusMiles)
	return nil
}

func (serveCmd) Run() error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer records.Close()

	execs, err := orchestrator.NewSQLiteExecStore(records.DB())
	if err != nil {
		return err
	}
	tokens, err := wait.NewSQLiteTokenStore(records.DB())
	if err != nil {
		return err
	}
	ledger, err := orchestrator.NewSQLiteLedger(records.DB())
	if err != nil {
		return err
	}

	events := bus.New(
		bus.WithLogger(logger),
		bus.WithRedeliveryInterval(cfg.Bus.RedeliveryInterval),
		bus.WithMaxRedeliveries(cfg.Bus.MaxRedeliveries),
	)
	timers := wait.New(tokens, wait.WithLogger(logger))

	trigger := match.NewTrigger(events, match.WithLogger(logger))
	notifier := escalate.NewNotifier(events,
		escalate.WithLogger(logger),
		escalate.WithSink(escalate.SinkFunc(func(_ context.Context, esc roadside.IncidentEscalated) error {
			logger.Warn("dispatcher queue: incident=%s reason=%s attempts=%d",
				esc.IncidentID, esc.Reason, esc.Attempts)
			return nil
		})),
	)

	engine, err := orchestrator.New(records, execs, timers, events, trigger, notifier,
		orchestrator.WithParams(cfg.Lifecycle),
		orchestrator.WithLogger(logger),
		orchestrator.WithLedger(ledger),
	)
	if err != nil {
		return err
	}
	timers.SetHandler(engine)

	bus.Subscribe(events, engine.HandleIncidentCreated)
	bus.Subscribe(events, engine.HandleOfferAccepted)
	bus.Subscribe(events, engine.HandleWorkCompleted)
	bus.Subscribe(events, engine.HandlePaymentApproved)
	bus.Subscribe(events, engine.HandleCancellation)

	go events.Run(ctx)
	go watchAssignments(ctx, records, engine, logger)

	if err := timers.Start(); err != nil {
		return err
	}
	defer timers.Stop()

	if err := engine.Recover(ctx, timers); err != nil {
		logger.Error("recovery failed err=%v", err)
		return err
	}

	logger.Info("roadsided running db=%s", cfg.Database.Path)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// watchAssignments turns record-store writes from external systems into
// early wakes, so a vendor acceptance written straight to the store does
// not sit out the remainder of a response poll.
func watchAssignments(ctx context.Context, records store.RecordStore, engine *orchestrator.Engine, logger glogAdapter) {
	for change := range records.Watch(ctx) {
		if change.Status != roadside.StatusVendorAssigned {
			continue
		}
		if err := engine.HandleOfferAccepted(ctx, roadside.OfferAccepted{
			IncidentID: change.IncidentID,
		}); err != nil {
			logger.Error("assignment wake failed incident=%s err=%v", change.IncidentID, err)
		}
	}
}
