// Package main is a one-shot verification tool: it runs a single snippet through the full
// sandbox pipeline against the local Docker daemon and prints the decoded trace.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dontdude/syscore/internal/app"
	"github.com/dontdude/syscore/internal/config"
	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/logging"
	"github.com/dontdude/syscore/internal/profiler"
)

const defaultCode = "print('Hello from SysCore - Verified!')"

var (
	flagLanguage string
	flagCode     string
	flagFile     string
	flagTimeout  time.Duration
	flagWarm     bool
)

func main() {
	runCmd.Flags().StringVarP(&flagLanguage, "language", "l", "python", "guest language (python, cpp)")
	runCmd.Flags().StringVarP(&flagCode, "code", "c", "", "source code to run")
	runCmd.Flags().StringVarP(&flagFile, "file", "f", "", "read source code from a file ('-' for stdin)")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 5*time.Minute, "overall deadline, including a cold image build")
	runCmd.Flags().BoolVar(&flagWarm, "warm", false, "build every runtime image before running")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("syscore-worker failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "syscore-worker",
	Short:        "Run snippets through the sandbox from the command line",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "execute one snippet and print its trace",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	lang, err := domain.ParseLanguage(flagLanguage)
	if err != nil {
		return err
	}
	code, err := readCode(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if flagWarm {
		if err := rt.Warm(ctx, profiler.Languages()); err != nil {
			return err
		}
	}

	logger.Info("Running verification task...", "language", lang)
	res, err := rt.Executor.Execute(ctx, lang, code)
	printTrace(cmd.OutOrStdout(), res)

	var execErr *domain.ExecError
	if errors.As(err, &execErr) && execErr.RanButUploadFailed() {
		// The sandbox part worked, which is what this tool verifies.
		logger.Warn("Trace upload failed", "error", execErr.Err)
		return nil
	}
	return err
}

func readCode(stdin io.Reader) (string, error) {
	switch {
	case flagFile == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case flagFile != "":
		b, err := os.ReadFile(flagFile)
		return string(b), err
	case flagCode != "":
		return flagCode, nil
	default:
		return defaultCode, nil
	}
}

// printTrace renders program output plainly and runtime events in colour.
func printTrace(w io.Writer, res domain.Result) {
	header := color.New(color.FgCyan, color.Bold)
	event := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	header.Fprintf(w, "job %s\n", res.JobID)
	for _, ev := range res.Events {
		if ev.Type() == domain.EventStdout {
			content, _ := ev["content"].(string)
			fmt.Fprintln(w, content)
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		event.Fprintf(w, "» %s\n", b)
	}

	exit := color.New(color.FgGreen)
	if res.ExitCode != 0 {
		exit = color.New(color.FgRed)
	}
	exit.Fprintf(w, "exit code %d", res.ExitCode)
	dim.Fprintf(w, " (%d events, uploaded=%t)\n", len(res.Events), res.Uploaded)
}
