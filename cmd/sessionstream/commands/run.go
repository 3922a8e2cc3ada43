package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionstream/internal/app"
	"github.com/opencode-ai/sessionstream/internal/headless"
)

var (
	runSession string
	runFormat  string
	runTimeout time.Duration
	runQuiet   bool
	runVerbose bool
	runNoColor bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send one message to a session and stream the reply",
	Long: `Load a session from the agent server, send one user message and
render the reply as it streams in. Ctrl-C stops the reply.

Examples:
  sessionstream run --session ses_123 "Fix the bug in main.go"
  sessionstream run -s ses_123 --format jsonl "Explain this code"`,
	RunE: runTurn,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID on the agent server")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "Output format (text|json|jsonl)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Maximum time to wait for the reply (0 for none)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the reply text")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show tool output and notifications")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable colored output")
	_ = runCmd.MarkFlagRequired("session")
}

func runTurn(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: sessionstream run --session <id> \"your message\"")
	}
	format, ok := headless.ParseOutputFormat(runFormat)
	if !ok {
		return fmt.Errorf("unknown format %q", runFormat)
	}
	if runNoColor {
		color.NoColor = true
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return err
	}

	runner := headless.NewRunner(&headless.Config{
		Prompt:       message,
		SessionID:    runSession,
		OutputFormat: format,
		Timeout:      runTimeout,
		Quiet:        runQuiet,
		Verbose:      runVerbose,
		NoColor:      runNoColor,
	}, a.Facade)

	res, err := runner.Run(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if res.ExitCode != headless.ExitSuccess {
		return fmt.Errorf("reply %s", res.Status)
	}
	return nil
}
