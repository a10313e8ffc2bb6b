package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/polzovatel/browser-task-agent/internal/agent"
	"github.com/polzovatel/browser-task-agent/internal/events"
)

const maxTaskLength = 2000

var errCancelled = errors.New("cancelled")

type runFlags struct {
	task      string
	maxSteps  int
	storage   string
	saveState string
	headless  bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task in a local browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if f.maxSteps > 0 {
				cfg.Agent.MaxSteps = f.maxSteps
			}
			if f.storage != "" {
				cfg.Browser.StorageState = f.storage
			}
			if f.saveState != "" {
				cfg.Browser.SaveState = f.saveState
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = f.headless
			}

			out := cmd.OutOrStdout()
			task := strings.TrimSpace(f.task)
			if task == "" {
				task, err = promptTask(cmd.InOrStdin(), out)
				if errors.Is(err, errCancelled) {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
				if err != nil {
					return err
				}
			}

			s, err := buildStack(cmd.Context(), cfg, prometheus.NewRegistry(), handoffNotice(out))
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintln(out, "Starting task...")
			res, err := s.runner.Run(cmd.Context(), agent.Request{
				Task: task,
				Sink: events.Multi{consoleSink(out), events.Log(s.logger)},
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("run finished with error")
				return err
			}
			s.logger.Info().Str("status", string(res.Status)).Int("steps", len(res.Steps)).Msg("run finished")
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.task, "task", "t", "", "Task description (prompted when empty)")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 0, "Max agent steps (default from config)")
	cmd.Flags().StringVar(&f.storage, "storage", "", "Path to Playwright storage state to load")
	cmd.Flags().StringVar(&f.saveState, "save-state", "", "Path to save the storage state after the run")
	cmd.Flags().BoolVar(&f.headless, "headless", false, "Run the browser without a window")
	return cmd
}

// promptTask reads one task line. An empty line cancels.
func promptTask(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter a task (leave empty to cancel): ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = sanitizeTask(line)
	if line == "" {
		return "", errCancelled
	}
	return line, nil
}

// sanitizeTask drops control characters and caps the length.
func sanitizeTask(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if r >= 32 || r == '\t' {
			b.WriteRune(r)
		}
	}
	out := []rune(b.String())
	if len(out) > maxTaskLength {
		out = out[:maxTaskLength]
	}
	return string(out)
}

func handoffNotice(out io.Writer) func(string) {
	return func(message string) {
		fmt.Fprintf(out, "\n=== Action needed in the browser ===\n%s\n", message)
	}
}

// consoleSink prints one line per executed step and the final outcome.
func consoleSink(out io.Writer) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		switch e.Type {
		case events.StepComplete:
			action, _ := e.Data["action"].(string)
			text, _ := e.Data["content"].(string)
			if ok, _ := e.Data["success"].(bool); !ok {
				text, _ = e.Data["error"].(string)
				text = "failed: " + text
			}
			fmt.Fprintf(out, "agent[%d]: %s -> %s\n", e.Step, action, oneLine(text, 160))
		case events.TaskComplete:
			result, _ := e.Data["result"].(string)
			fmt.Fprintf(out, "\n✅ Task completed\n%s\n", result)
		case events.TaskMaxSteps:
			fmt.Fprintf(out, "\n⚠️  Step limit reached before the task was finished\n")
		case events.Error:
			msg, _ := e.Data["error"].(string)
			fmt.Fprintf(out, "\n❌ Run failed: %s\n", msg)
		}
	})
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
