package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/daemon"
	"github.com/msageha/fieldagent/internal/devserver"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/setup"
	"github.com/msageha/fieldagent/internal/status"
	"github.com/msageha/fieldagent/internal/store"
	"github.com/msageha/fieldagent/internal/uds"
)

const version = "0.1.0"

var agentDirFlag string

var rootCmd = &cobra.Command{
	Use:           "fieldagent",
	Short:         "Offline-tolerant field responder agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup <dir>",
	Short: "Initialize .fieldagent/ in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		username, _ := cmd.Flags().GetString("username")
		responderID, _ := cmd.Flags().GetString("responder-id")
		driver, _ := cmd.Flags().GetString("store")

		base, err := setup.Run(args[0], setup.Options{
			BaseURL:     baseURL,
			Username:    username,
			ResponderID: responderID,
			StoreDriver: driver,
		})
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the agent daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agentDir, cfg, err := loadAgent()
		if err != nil {
			return err
		}
		d, err := daemon.New(agentDir, cfg)
		if err != nil {
			return fmt.Errorf("create daemon: %w", err)
		}
		if err := d.Run(); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <report-id> <on_the_way|arrived|responded|declined>",
	Short: "Record a responder action, queueing it when the backend is unreachable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseActionKind(args[1])
		if err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("label")
		recipient, _ := cmd.Flags().GetString("recipient")
		req := agent.SubmitRequest{
			ReportID:       args[0],
			Action:         kind,
			ReportLabel:    label,
			RecipientLabel: recipient,
		}

		agentDir, _, err := loadAgent()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		var res agent.SubmitResult
		err = client(agentDir).Call(cmd.Context(), "submit", req, &res)
		switch {
		case err == nil:
			switch {
			case res.Duplicate:
				fmt.Fprintf(out, "%s already pending as %s\n", kind, res.ActionID)
			case res.Queued:
				fmt.Fprintf(out, "%s queued as %s\n", kind, res.ActionID)
			default:
				fmt.Fprintf(out, "%s sending as %s\n", kind, res.ActionID)
			}
			return nil
		case !errors.Is(err, uds.ErrDaemonNotRunning):
			return fmt.Errorf("submit: %w", err)
		}

		// daemon down: leave the intent in the inbox for the next daemon start
		a, err := model.NewPendingAction(req.ReportID, req.Action, req.ReportLabel, req.RecipientLabel, time.Now())
		if err != nil {
			return fmt.Errorf("build action: %w", err)
		}
		if _, err := agent.NewInbox(agentDir).Drop(a); err != nil {
			return fmt.Errorf("write inbox: %w", err)
		}
		fmt.Fprintf(out, "daemon not running; %s saved to inbox as %s\n", kind, a.ID)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued actions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agentDir, _, err := loadAgent()
		if err != nil {
			return err
		}
		var res daemon.DrainResponse
		if err := client(agentDir).Call(cmd.Context(), "drain", nil, &res); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		out := cmd.OutOrStdout()
		if res.Offline {
			fmt.Fprintf(out, "backend unreachable; %d action(s) remain queued\n", res.Remaining)
			return nil
		}
		fmt.Fprintf(out, "attempted=%d delivered=%d failed=%d dead_lettered=%d dropped=%d deferred=%d remaining=%d\n",
			res.Attempted, res.Delivered, res.Failed, res.DeadLettered, res.Dropped, res.Deferred, res.Remaining)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and drain state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		agentDir, cfg, err := loadAgent()
		if err != nil {
			return err
		}
		if err := status.Run(cmd.Context(), cmd.OutOrStdout(), agentDir, cfg, jsonOutput); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications and mark them seen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clearLog, _ := cmd.Flags().GetBool("clear")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		agentDir, cfg, err := loadAgent()
		if err != nil {
			return err
		}

		nl, err := readNotifications(cmd.Context(), agentDir, cfg, clearLog)
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		return printNotifications(cmd.OutOrStdout(), nl, jsonOutput)
	},
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local fake dispatch backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		seed, _ := cmd.Flags().GetBool("seed")
		logger := log.New(os.Stderr, "devserver: ", log.LstdFlags)

		srv := devserver.New(devserver.Options{Logger: logger, RequestLog: true})
		if seed {
			seedReports(srv)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- hs.ListenAndServe() }()
		logger.Printf("listening on %s", addr)

		select {
		case err := <-errCh:
			return fmt.Errorf("devserver: %w", err)
		case <-ctx.Done():
		}
		srv.Hub().CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fieldagent %s\n", version)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&agentDirFlag, "dir", "", "Agent directory (defaults to the nearest .fieldagent/)")

	setupCmd.Flags().String("base-url", "", "Dispatch backend base URL")
	setupCmd.Flags().String("username", "", "Responder username")
	setupCmd.Flags().String("responder-id", "", "Responder ID (otherwise taken from the backend session)")
	setupCmd.Flags().String("store", "", "Store driver: yaml or sqlite")

	submitCmd.Flags().String("label", "", "Report label shown in progress messages")
	submitCmd.Flags().String("recipient", "", "Recipient label shown in progress messages")

	statusCmd.Flags().Bool("json", false, "Print status as JSON")

	notificationsCmd.Flags().Bool("clear", false, "Clear the notification history after listing")
	notificationsCmd.Flags().Bool("json", false, "Print notifications as JSON")

	devserverCmd.Flags().String("addr", "127.0.0.1:8787", "Listen address")
	devserverCmd.Flags().Bool("seed", false, "Start with sample reports")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadAgent() (string, model.Config, error) {
	agentDir := agentDirFlag
	if agentDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", model.Config{}, err
		}
		agentDir, err = setup.FindAgentDir(wd)
		if err != nil {
			return "", model.Config{}, fmt.Errorf("%w. Run 'fieldagent setup <dir>' first", err)
		}
	}
	cfg, err := setup.LoadConfig(agentDir)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return agentDir, cfg, nil
}

func client(agentDir string) *uds.Client {
	return uds.NewClient(filepath.Join(agentDir, uds.DefaultSocketName))
}

// readNotifications asks the daemon, or reads the store directly when it is down.
func readNotifications(ctx context.Context, agentDir string, cfg model.Config, clearLog bool) (model.NotificationLog, error) {
	var nl model.NotificationLog
	err := client(agentDir).Call(ctx, "notifications", daemon.NotificationsParams{Clear: clearLog}, &nl)
	if err == nil || !errors.Is(err, uds.ErrDaemonNotRunning) {
		return nl, err
	}

	s, err := store.Open(agentDir, cfg.Store)
	if err != nil {
		return nl, err
	}
	defer s.Close()
	nl, err = s.LoadNotifications(ctx)
	if err != nil {
		return nl, err
	}
	if clearLog {
		if err := s.SaveNotifications(ctx, model.NewNotificationLog()); err != nil {
			return nl, err
		}
	}
	return nl, nil
}

func printNotifications(w io.Writer, nl model.NotificationLog, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(nl)
	}
	if len(nl.Notifications) == 0 {
		fmt.Fprintln(w, "No notifications")
		return nil
	}
	for _, n := range nl.Notifications {
		fmt.Fprintf(w, "%s  %-18s  %s\n", n.CreatedAt, n.Kind, n.Message)
	}
	return nil
}

func seedReports(srv *devserver.Server) {
	age := 34
	srv.AddReport(model.Report{
		Type:          "Fire",
		Description:   "Kitchen fire on the second floor",
		FirstName:     "Ana",
		LastName:      "Cruz",
		Age:           &age,
		ContactNumber: "09171234567",
	})
	srv.AddReport(model.Report{
		Type:        "Medical",
		Description: "Elderly man with chest pain",
		FirstName:   "Ben",
		LastName:    "Reyes",
	})
}
