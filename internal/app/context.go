// Package app wires the runtime services of a workspace into one explicit
// context shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/events"
	"orderline/internal/logging"
	"orderline/internal/migrate"
	"orderline/internal/monitor"
	"orderline/internal/orchestrator"
	"orderline/internal/poller"
	"orderline/internal/proc"
	"orderline/internal/repo"
)

type Options struct {
	Workspace string
	// Config defaults to orderline.yml in the workspace, or the built-in
	// defaults when that file is missing.
	Config  *config.Config
	Log     *logrus.Logger
	Spawner proc.Spawner
	Prober  proc.Prober
	// Record persists runtime notifications to the event log.
	Record bool
}

// Context owns every long lived service of a workspace.
type Context struct {
	Workspace    string
	Config       *config.Config
	Log          *logrus.Logger
	DB           *sql.DB
	Repo         repo.Repo
	Engine       engine.Engine
	Bus          *events.Bus
	Monitor      *monitor.Monitor
	Orchestrator *orchestrator.Orchestrator
	Poller       *poller.Supervisor

	stopRecorder context.CancelFunc
	recorderDone chan struct{}
}

// Open migrates the workspace database and builds the services.
func Open(ctx context.Context, opts Options) (*Context, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := opts.Log
	if log == nil {
		log = logging.New(cfg.Log.Level, cfg.Log.Format)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = proc.NewOSSpawner()
	}
	prober := opts.Prober
	if prober == nil {
		prober = proc.OSProber{}
	}

	r := repo.Repo{DB: conn}
	eng := engine.New(conn, log)
	bus := events.NewBus(log)
	mon := monitor.New(prober, r, eng, bus, log, cfg.Monitor.Interval.D())
	orch := orchestrator.New(orchestrator.ConfigFrom(cfg, workspace), spawner, bus, mon, log)
	pol := poller.New(poller.Config{
		ActiveInterval: cfg.Polling.ActiveInterval.D(),
		IdleInterval:   cfg.Polling.IdleInterval.D(),
		TaskTimeout:    cfg.Polling.TaskTimeout.D(),
	}, r, bus, log)
	// Workers of an order stop being watched with its polling session.
	pol.OnSessionStop = func(projectID, orderID string) {
		mon.ReleaseOrder(orderID)
	}

	c := &Context{
		Workspace:    workspace,
		Config:       cfg,
		Log:          log,
		DB:           conn,
		Repo:         r,
		Engine:       eng,
		Bus:          bus,
		Monitor:      mon,
		Orchestrator: orch,
		Poller:       pol,
	}
	if opts.Record {
		recCtx, cancel := context.WithCancel(context.Background())
		c.stopRecorder = cancel
		c.recorderDone = make(chan struct{})
		rec := events.Recorder{Writer: events.Writer{DB: conn}, Bus: bus, Log: log}
		go func() {
			defer close(c.recorderDone)
			rec.Run(recCtx)
		}()
	}
	return c, nil
}

// Close stops polling, cancels running jobs, stops the monitor and closes
// the database, in that order.
func (c *Context) Close() error {
	c.Poller.StopAll()
	c.Orchestrator.Shutdown()
	c.Monitor.Stop()
	if c.stopRecorder != nil {
		c.stopRecorder()
		<-c.recorderDone
	}
	return c.DB.Close()
}

// ResolveProject picks the project to act on: the override when given,
// otherwise the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			return "", fmt.Errorf("project %s: %w", override, err)
		}
		return override, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	switch len(projects) {
	case 0:
		return "", fmt.Errorf("no project found; run ol project create")
	case 1:
		return projects[0].ID, nil
	default:
		return "", fmt.Errorf("project not specified; use --project")
	}
}
