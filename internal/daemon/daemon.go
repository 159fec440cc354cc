// Package daemon hosts the agent as a long-running process: it owns the agent
// directory lock, the UDS control socket, and the loops that feed the agent.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/lock"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/notify"
	"github.com/msageha/fieldagent/internal/store"
	"github.com/msageha/fieldagent/internal/uds"
)

const (
	LockFileName  = "agent.lock"
	LogFileName   = "agent.log"
	AuditFileName = "audit.jsonl"
)

// Backend is what the daemon needs from the dispatch API.
type Backend interface {
	agent.Backend
	GetSession(ctx context.Context) (model.Session, error)
}

// Daemon is the fieldagent background process.
type Daemon struct {
	agentDir string
	config   model.Config
	logger   *agent.Logger
	logOut   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	backend  Backend
	store    store.Store
	audit    *events.AuditLog
	bus      *events.Bus
	agent    *agent.Agent
	lockMap  *lock.MutexMap
	desktop  agent.DesktopSender

	// pushDial is swapped in tests.
	pushDial func(ctx context.Context, url, token string) (pushConn, error)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}

	forceExit atomic.Bool
}

// New creates a daemon logging to logs/agent.log and talking to the configured backend.
func New(agentDir string, cfg model.Config) (*Daemon, error) {
	cfg.ApplyDefaults()
	logPath := filepath.Join(agentDir, "logs", LogFileName)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	client, err := api.NewFromConfig(cfg)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	d := newDaemon(agentDir, cfg, client, logFile, logFile)
	if cfg.Notifications.Desktop {
		d.desktop = notify.Send
	}
	return d, nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(agentDir string, cfg model.Config, backend Backend, w io.Writer, closer io.Closer) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	out := log.New(w, "", 0)

	return &Daemon{
		agentDir: agentDir,
		config:   cfg,
		logger:   agent.NewLogger(out, agent.ParseLogLevel(cfg.Logging.Level), "daemon"),
		logOut:   out,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(agentDir, "locks", LockFileName)),
		server:   uds.NewServer(filepath.Join(agentDir, uds.DefaultSocketName)),
		backend:  backend,
		lockMap:  lock.NewMutexMap(),
		pushDial: dialPush,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings up the agent and every loop, then returns.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Log(agent.LogLevelInfo, "daemon starting pid=%d dir=%s", os.Getpid(), d.agentDir)

	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}

	d.registerHandlers()
	d.server.SetLogger(d.logOut)
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Log(agent.LogLevelInfo, "uds listening socket=%s", d.server.SocketPath())

	d.wg.Add(4)
	go d.agentLoop()
	go d.inboxLoop()
	go d.sessionLoop()
	go d.pushLoop()

	d.ingestInbox("startup")
	d.agent.TriggerDrain("startup")
	d.logger.Log(agent.LogLevelInfo, "daemon ready pending=%d", len(d.agent.Status().Pending))
	return nil
}

func (d *Daemon) open() error {
	st, err := store.Open(d.agentDir, d.config.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	audit, err := events.NewAuditLog(filepath.Join(d.agentDir, "logs", AuditFileName), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus = events.NewBus(0)

	a, err := agent.New(d.ctx, agent.Options{
		AgentDir: d.agentDir,
		Config:   d.config,
		Store:    st,
		Backend:  d.backend,
		Bus:      d.bus,
		Audit:    audit,
		Logger:   d.logger.With("agent"),
		Desktop:  d.desktop,
	})
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	d.agent = a

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	inboxDir := a.Inbox().Dir()
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", inboxDir, err)
	}
	if err := watcher.Add(inboxDir); err != nil {
		return fmt.Errorf("watch %s: %w", inboxDir, err)
	}
	return nil
}

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// waitSignals blocks until a shutdown signal or a UDS shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Log(agent.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Log(agent.LogLevelWarn, "received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
	}
	<-d.stopped
}

// Shutdown stops the daemon. Pending actions are already durable, so a
// timeout here loses at most the outcome of calls in flight, never an action.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Log(agent.LogLevelInfo, "shutdown started")
		d.cancel()

		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if err := d.server.Stop(); err != nil {
			d.logger.Log(agent.LogLevelWarn, "uds stop error=%v", err)
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.agent != nil {
				d.agent.Close()
			}
			close(done)
		}()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		select {
		case <-done:
			d.logger.Log(agent.LogLevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.logger.Log(agent.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		close(d.stopped)
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Log(agent.LogLevelWarn, "audit close error=%v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Log(agent.LogLevelWarn, "store close error=%v", err)
		}
	}
	_ = os.Remove(d.server.SocketPath())
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Log(agent.LogLevelWarn, "unlock error=%v", err)
	}
	d.logger.Log(agent.LogLevelInfo, "daemon stopped")
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) agentLoop() {
	defer d.wg.Done()
	if err := d.agent.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Log(agent.LogLevelError, "agent loop error=%v", err)
	}
}
