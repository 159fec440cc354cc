package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/push"
)

type pushConn interface {
	Join(username string) error
	Next(ctx context.Context, onBadFrame func(error)) (push.Event, error)
	Close() error
}

func dialPush(ctx context.Context, url, token string) (pushConn, error) {
	c, err := push.Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// inboxLoop ingests inbox files after a quiet period following fsnotify
// events, with a periodic rescan for events the watcher missed.
func (d *Daemon) inboxLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Watcher.DebounceSec * float64(time.Second))
	rescan := time.NewTicker(time.Duration(d.config.Watcher.PollIntervalSec) * time.Second)
	defer rescan.Stop()
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !inboxEvent(event) {
				continue
			}
			d.logger.Log(agent.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, filepath.Base(event.Name))
			timer.Reset(debounce)
		case <-timer.C:
			d.ingestInbox("fsnotify")
		case <-rescan.C:
			d.ingestInbox("rescan")
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Log(agent.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func inboxEvent(e fsnotify.Event) bool {
	name := filepath.Base(e.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
		return false
	}
	return e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)
}

func (d *Daemon) ingestInbox(reason string) {
	d.lockMap.Lock("inbox")
	defer d.lockMap.Unlock("inbox")
	n, err := d.agent.IngestInbox(d.ctx)
	if err != nil && d.ctx.Err() == nil {
		d.logger.Log(agent.LogLevelError, "inbox_ingest reason=%s error=%v", reason, err)
		return
	}
	if n > 0 {
		d.logger.Log(agent.LogLevelInfo, "inbox_ingest reason=%s count=%d", reason, n)
	}
}

// sessionLoop fetches the responder identity once the backend is reachable.
func (d *Daemon) sessionLoop() {
	defer d.wg.Done()

	t := time.NewTicker(time.Duration(d.config.Watcher.PollIntervalSec) * time.Second)
	defer t.Stop()
	for {
		if d.agent.Connectivity().Online() {
			s, err := d.backend.GetSession(d.ctx)
			if err == nil {
				d.agent.SetSession(s)
				if _, perr := d.agent.Poll(d.ctx); perr != nil && d.ctx.Err() == nil {
					d.logger.Log(agent.LogLevelWarn, "initial poll error=%v", perr)
				}
				return
			}
			if d.ctx.Err() == nil {
				d.logger.Log(agent.LogLevelWarn, "session error=%v", err)
			}
		}
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
		}
	}
}

// pushLoop keeps one websocket session open while the backend is reachable.
// Each new session is followed by a poll so events missed while disconnected
// are picked up.
func (d *Daemon) pushLoop() {
	defer d.wg.Done()

	cfg := d.config
	if !cfg.Push.Enabled || cfg.Server.SocketURL == "" {
		d.logger.Log(agent.LogLevelInfo, "push disabled")
		return
	}
	reconnect := time.Duration(cfg.Push.ReconnectSec) * time.Second

	for {
		if d.agent.Connectivity().Online() {
			if err := d.pushSession(cfg.Server.SocketURL, cfg.Server.AuthToken); err != nil && d.ctx.Err() == nil {
				d.logger.Log(agent.LogLevelWarn, "push session ended error=%v", err)
			}
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(reconnect):
		}
	}
}

func (d *Daemon) pushSession(url, token string) error {
	conn, err := d.pushDial(d.ctx, url, token)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	username := d.agent.Session().Username
	if username == "" {
		username = d.config.Agent.Username
	}
	if err := conn.Join(username); err != nil {
		return err
	}
	d.logger.Log(agent.LogLevelInfo, "push connected username=%s", username)
	if _, err := d.agent.Poll(d.ctx); err != nil && d.ctx.Err() == nil {
		d.logger.Log(agent.LogLevelWarn, "catch-up poll error=%v", err)
	}

	onBad := func(err error) {
		d.logger.Log(agent.LogLevelWarn, "push bad frame error=%v", err)
	}
	for {
		ev, err := conn.Next(d.ctx, onBad)
		if err != nil {
			return err
		}
		d.logger.Log(agent.LogLevelDebug, "push event type=%s", ev.Type)
		d.agent.HandlePush(d.ctx, ev)
	}
}
