// pbs-metrics runs at the end of a PBS job script and writes the job's usage
// document next to its logs.
package main

import (
	"ades/internal/usage"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logPath      string
	exitCodePath string
	scriptPath   string
	metricsPath  string
	workDir      string
)

var rootCmd = &cobra.Command{
	Use:   "pbs-metrics",
	Short: "Summarize a finished PBS job into metrics.json",
	Long: `Summarize a finished PBS job into metrics.json.

Step timings come from the cwl-runner log, the exit status from
exit_code.json and the queue time from the job script's modification time.

Examples:
  pbs-metrics -l cwl_runner.log -e exit_code.json -p pbs.bash -m metrics.json`,
	SilenceUsage: true,
	RunE:         runMetrics,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&logPath, "log", "l", "cwl_runner.log", "cwl-runner log file")
	flags.StringVarP(&exitCodePath, "exitcode", "e", "exit_code.json", "Exit code file")
	flags.StringVarP(&scriptPath, "pbs", "p", "pbs.bash", "PBS job script")
	flags.StringVarP(&metricsPath, "metrics", "m", "metrics.json", "Output file")
	flags.StringVar(&workDir, "workdir", ".", "Job working directory for disk accounting")
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Metrics collection failed", "error", err)
		os.Exit(1)
	}
}

func runMetrics(cmd *cobra.Command, args []string) error {
	doc, err := usage.BuildPBSMetrics(cmd.Context(), usage.PBSOptions{
		LogPath:      logPath,
		ExitCodePath: exitCodePath,
		ScriptPath:   scriptPath,
		WorkDir:      workDir,
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if err := os.WriteFile(metricsPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	slog.Info("Wrote metrics", "path", metricsPath, "steps", len(doc.Processes))
	return nil
}
