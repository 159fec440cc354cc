// Package status reports the agent's state, from the running daemon when
// available and from the on-disk store otherwise.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/store"
	"github.com/msageha/fieldagent/internal/uds"
)

type Report struct {
	Daemon DaemonStatus `json:"daemon"`
	// Agent is set only when the daemon answered.
	Agent *agent.Status `json:"agent,omitempty"`
	// Offline fields are read from disk when the daemon is down.
	Pending     []model.PendingAction `json:"pending,omitempty"`
	Inbox       int                   `json:"inbox"`
	DeadLetters int                   `json:"dead_letters"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Run collects the status for agentDir and writes it to w.
func Run(ctx context.Context, w io.Writer, agentDir string, cfg model.Config, jsonOutput bool) error {
	r, err := Collect(ctx, agentDir, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(w, r)
	return nil
}

// Collect asks the daemon for its status, falling back to the store on disk.
func Collect(ctx context.Context, agentDir string, cfg model.Config) (Report, error) {
	var r Report

	inbox, err := agent.NewInbox(agentDir).Pending()
	if err != nil {
		return r, fmt.Errorf("scan inbox: %w", err)
	}
	r.Inbox = len(inbox)

	st, err := queryDaemon(ctx, filepath.Join(agentDir, uds.DefaultSocketName))
	switch {
	case err == nil:
		r.Daemon.Running = true
		r.Agent = &st
		r.DeadLetters = st.DeadLetters
		return r, nil
	case !errors.Is(err, uds.ErrDaemonNotRunning):
		r.Daemon.Error = err.Error()
	}

	s, err := store.Open(agentDir, cfg.Store)
	if err != nil {
		return r, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	pending, err := s.LoadPending(ctx)
	if err != nil {
		return r, fmt.Errorf("load pending: %w", err)
	}
	r.Pending = pending

	dls, err := agent.NewDeadLetterArchive(filepath.Join(agentDir, agent.DeadLetterDirName)).List()
	if err != nil {
		return r, fmt.Errorf("list dead letters: %w", err)
	}
	r.DeadLetters = len(dls)
	return r, nil
}

func queryDaemon(ctx context.Context, sockPath string) (agent.Status, error) {
	client := uds.NewClient(sockPath)
	client.SetTimeout(3 * time.Second)
	var st agent.Status
	err := client.Call(ctx, "status", nil, &st)
	return st, err
}

func Print(w io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintln(w, "Daemon: running")
	case r.Daemon.Error != "":
		fmt.Fprintf(w, "Daemon: unreachable (%s)\n", r.Daemon.Error)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if r.Agent == nil {
		fmt.Fprintf(w, "Pending: %d (read from disk)\n", len(r.Pending))
		printPending(w, r.Pending)
		fmt.Fprintf(w, "Inbox: %d\n", r.Inbox)
		fmt.Fprintf(w, "Dead letters: %d\n", r.DeadLetters)
		return
	}

	a := r.Agent
	fmt.Fprintf(w, "Connectivity: %s\n", a.Connectivity.State)
	if a.Connectivity.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", a.Connectivity.LastError)
	}
	if a.ResponderID != "" {
		fmt.Fprintf(w, "Responder: %s\n", a.ResponderID)
	}
	fmt.Fprintf(w, "Pending: %d\n", len(a.Pending))
	printPending(w, a.Pending)

	if len(a.Progress) > 0 {
		fmt.Fprintln(w, "\nIn progress:")
		for _, p := range a.Progress {
			fmt.Fprintf(w, "  %-24s  %s\n", p.ReportID, p.Message)
		}
	}

	fmt.Fprintf(w, "\nOn the way: %d  Arrived: %d  Active reports: %d  Hidden: %d\n",
		len(a.Derived.OnTheWay), len(a.Derived.Arrived), len(a.ActiveReports), len(a.Hidden))
	fmt.Fprintf(w, "Inbox: %d  Dead letters: %d\n", r.Inbox, a.DeadLetters)
	if a.HasNew {
		fmt.Fprintln(w, "New notifications available")
	}
	ld := a.LastDrain
	fmt.Fprintf(w, "Last drain: attempted=%d delivered=%d failed=%d dead_lettered=%d dropped=%d deferred=%d remaining=%d\n",
		ld.Attempted, ld.Delivered, ld.Failed, ld.DeadLettered, ld.Dropped, ld.Deferred, ld.Remaining)
}

func printPending(w io.Writer, pending []model.PendingAction) {
	if len(pending) == 0 {
		return
	}
	fmt.Fprintf(w, "  %-24s  %-12s  %8s  %s\n", "REPORT", "ACTION", "ATTEMPTS", "LAST_ERROR")
	for _, p := range pending {
		lastErr := ""
		if p.LastError != nil {
			lastErr = *p.LastError
		}
		fmt.Fprintf(w, "  %-24s  %-12s  %8d  %s\n", p.ReportID, p.Action, p.Attempts, lastErr)
	}
}
