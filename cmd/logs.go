package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

type logsOptions struct {
	follow   bool
	lines    int
	minLevel string
}

func newLogsCmd(state *appState) *cobra.Command {
	opts := &logsOptions{}
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the controller's log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := state.cfg.Logger().LogFile
			if path == "" {
				return fmt.Errorf("logger.log_file is not set")
			}
			var min *zapcore.Level
			if opts.minLevel != "" {
				lvl, err := zapcore.ParseLevel(opts.minLevel)
				if err != nil {
					return err
				}
				min = &lvl
			}
			return tailLog(cmd.Context(), cmd.OutOrStdout(), path, opts, min)
		},
	}
	logsCmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "keep printing lines as they are written")
	logsCmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "number of existing lines to print")
	logsCmd.Flags().StringVar(&opts.minLevel, "level", "", "only show entries at or above this level")
	return logsCmd
}

// keep reports whether a JSON log line passes the level filter. Lines that
// are not JSON always pass.
func keep(line string, min *zapcore.Level) bool {
	if min == nil {
		return true
	}
	raw := jsoniter.Get([]byte(line), "level")
	if raw.LastError() != nil {
		return true
	}
	lvl, err := zapcore.ParseLevel(raw.ToString())
	if err != nil {
		return true
	}
	return lvl >= *min
}

func tailLog(ctx context.Context, out io.Writer, path string, opts *logsOptions, min *zapcore.Level) error {
	// Existing content: keep the last n matching lines.
	existing, err := tail.TailFile(path, tail.Config{
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	ring := make([]string, 0, opts.lines)
	for line := range existing.Lines {
		if line.Err != nil || !keep(line.Text, min) || opts.lines <= 0 {
			continue
		}
		if len(ring) == opts.lines {
			ring = ring[1:]
		}
		ring = append(ring, line.Text)
	}
	existing.Cleanup()
	for _, l := range ring {
		if _, err := fmt.Fprintln(out, l); err != nil {
			return err
		}
	}
	if !opts.follow {
		return nil
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow log file: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil || !keep(line.Text, min) {
				continue
			}
			if _, err := fmt.Fprintln(out, line.Text); err != nil {
				return err
			}
		}
	}
}
