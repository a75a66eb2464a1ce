package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OmegaBTC/internal/di"
	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/config"
	xhttp "OmegaBTC/pkg/http"

	"github.com/spf13/cobra"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitRuntime     = 2
	exitInterrupted = 130
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// classify maps an initialization error to its exit code.
func classify(err error) *exitError {
	if apperr.Is(err, apperr.KindConfiguration) {
		return &exitError{code: exitConfig, err: err}
	}
	return &exitError{code: exitRuntime, err: err}
}

var (
	configPath   string
	drainTimeout time.Duration
	statusHost   string
)

var rootCmd = &cobra.Command{
	Use:           "omega",
	Short:         "BTC trap detection and trading coordination",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the feed, detector and exit pipeline until interrupted",
	RunE:  runApp,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the health report of a running instance",
	RunE:  runStatus,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every queued trap event and exit",
	RunE:  runDrain,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	statusCmd.Flags().StringVar(&statusHost, "host", "127.0.0.1", "host of the running instance")
	drainCmd.Flags().DurationVar(&drainTimeout, "timeout", 0, "stop draining after this long (0 waits for an empty queue)")
	rootCmd.AddCommand(runCmd, statusCmd, drainCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	app, err := di.InitializeApp(cfg)
	if err != nil {
		return classify(err)
	}

	ctx, stop := signalContext()
	defer stop()

	err = app.Run(ctx)
	return runResult(ctx.Err() != nil, app.Err(), err)
}

// runResult maps the outcome of App.Run to an exit code. An interrupt
// exits 130 even when shutdown reported errors; only a component failure
// turns it into a runtime exit.
func runResult(interrupted bool, fatal, err error) error {
	switch {
	case fatal != nil:
		return &exitError{code: exitRuntime, err: fatal}
	case interrupted:
		return &exitError{code: exitInterrupted, err: err}
	case err != nil:
		return &exitError{code: exitRuntime, err: err}
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	client := xhttp.NewClient(xhttp.WithTimeout(5 * time.Second))
	var report models.Health
	err = client.SendAndParse(cmd.Context(), &xhttp.RequestOptions{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("http://%s:%d/health", statusHost, cfg.Server.Port),
	}, &report)

	var se *xhttp.StatusError
	if err != nil && !errors.As(err, &se) {
		return &exitError{code: exitRuntime, err: fmt.Errorf("health request: %w", err)}
	}
	out, merr := json.MarshalIndent(report, "", "  ")
	if merr != nil {
		return &exitError{code: exitRuntime, err: merr}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if se != nil {
		return &exitError{code: exitRuntime}
	}
	return nil
}

func runDrain(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	app, err := di.InitializeApp(cfg)
	if err != nil {
		return classify(err)
	}

	ctx, stop := signalContext()
	defer stop()
	if drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drainTimeout)
		defer cancel()
	}

	n, err := app.Drain(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "drained %d trap events\n", n)
	switch {
	case errors.Is(err, context.Canceled):
		return &exitError{code: exitInterrupted}
	case errors.Is(err, context.DeadlineExceeded):
		return nil
	case err != nil:
		return &exitError{code: exitRuntime, err: err}
	}
	return nil
}
