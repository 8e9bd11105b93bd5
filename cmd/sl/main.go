package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"storyline/internal/app"
	"storyline/internal/worker"
)

// Exit codes shared by every command.
const (
	exitOK           = 0
	exitFailure      = 1
	exitNothingToDo  = 2
	exitIntervention = 3
	exitTimeout      = 4
	exitInterrupted  = 130
)

// exitError carries a process exit code with the message shown to the user.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// cli holds per-invocation state so tests can build independent command trees.
type cli struct {
	v        *viper.Viper
	logger   *slog.Logger
	launcher worker.Launcher
}

func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(&cli{})
	err := root.ExecuteContext(ctx)
	os.Exit(exitCode(root.ErrOrStderr(), err))
}

func exitCode(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(w, ee.msg)
		}
		return ee.code
	}
	fmt.Fprintln(w, "error:", err)
	return exitFailure
}

func newRootCmd(c *cli) *cobra.Command {
	if c.v == nil {
		c.v = viper.New()
	}
	root := &cobra.Command{
		Use:   "sl",
		Short: "Storyline drives stories through create, develop and review",
		Long: `Storyline reads the sprint status document, picks the next phase for each
story, launches the configured worker for it and watches for the completion
signal written by 'sl hook'. Several instances can share a project: dispatch
records under the state directory keep one worker per story.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringP("project-root", "p", "", "project root (default: current directory)")
	pf.String("status-file", "", "status document path, relative to the project root")
	pf.String("instance", "", "instance id recorded on dispatches (default: host-pid)")
	pf.Bool("json", false, "output JSON")
	pf.Bool("no-color", false, "disable colored output")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"project-root", "status-file", "instance", "json", "no-color", "log-level", "log-format"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}
	c.v.SetEnvPrefix("STORYLINE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.statusCmd(),
		c.nextCmd(),
		c.runUnitCmd(),
		c.runGroupCmd(),
		c.runAllCmd(),
		c.auditCmd(),
		c.restartCmd(),
		c.clearCmd(),
		c.locksCmd(),
		c.hookCmd(),
		c.logCmd(),
		c.serveCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString("log-level"))); err != nil {
		return exitf(exitFailure, "invalid --log-level %q", c.v.GetString("log-level"))
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch c.v.GetString("log-format") {
	case "json":
		h = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	case "text", "":
		h = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	default:
		return exitf(exitFailure, "invalid --log-format %q", c.v.GetString("log-format"))
	}
	c.logger = slog.New(h)
	if c.v.GetBool("no-color") || os.Getenv("NO_COLOR") != "" {
		text.DisableColors()
	}
	return nil
}

// open builds the App for the current flags. dryRun forces dry-run dispatch.
func (c *cli) open(dryRun bool) (*app.App, error) {
	a, err := app.New(app.Options{
		Root:       c.v.GetString("project-root"),
		StatusFile: c.v.GetString("status-file"),
		Instance:   c.v.GetString("instance"),
		DryRun:     dryRun,
		Logger:     c.logger,
		Tracer:     otel.Tracer("storyline"),
		Launcher:   c.launcher,
	})
	if err != nil {
		return nil, exitf(exitFailure, "%v", err)
	}
	return a, nil
}

func (c *cli) jsonOutput() bool { return c.v.GetBool("json") }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
