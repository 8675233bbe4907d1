package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/bridge/internal/config"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View log sink records",
	Long: `View and filter the records a companion's log sink has written.

By default reads records.log in logsink.dir. Use --file to read any
bridge JSON log instead, such as the one logging.file points at.

Examples:
  # Show the last 50 records
  bridge logs

  # Only records of channels under "host."
  bridge logs --channel 'host.*'

  # Warnings and errors from the last hour of a debug log
  bridge logs --file ~/.config/bridge/debug.log --level warn --since 1h

  # Everything one worker logged
  bridge logs --file debug.log --worker 01J0Z3Y5N8W6ZC0Q3K2E4M7B9D -n 0`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsFile    string
	logsTail    int
	logsLevel   string
	logsChannel string
	logsLink    string
	logsWorker  string
	logsSince   string
	logsGrep    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsFile, "file", "", "Log file to read (default: the log sink records)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of records to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsChannel, "channel", "", "Filter by channel glob pattern")
	logsCmd.Flags().StringVar(&logsLink, "link", "", "Filter by link id")
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "Filter by worker id")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show records since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter records matching pattern (regex)")
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// recordFormatter renders records, with color when writing to a terminal.
type recordFormatter struct {
	color bool
}

func (f recordFormatter) paint(code, s string) string {
	if !f.color {
		return s
	}
	return code + s + colorReset
}

func (f recordFormatter) format(r logging.Record) string {
	var sb strings.Builder

	sb.WriteString(f.paint(colorGray, "["+r.Time.Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(f.paint(levelColor(r.Level), "["+strings.ToUpper(r.Level)+"]"))
	if r.Channel != "" {
		sb.WriteString(" ")
		sb.WriteString(f.paint(colorCyan, r.Channel))
	}
	sb.WriteString(" ")
	sb.WriteString(r.Message)

	for _, kv := range [][2]string{
		{logging.KeyLink, r.LinkID},
		{logging.KeyWorker, r.WorkerID},
		{logging.KeyPort, r.Port},
	} {
		if kv[1] != "" {
			sb.WriteString(" ")
			sb.WriteString(f.paint(colorCyan, kv[0]+"="))
			sb.WriteString(kv[1])
		}
	}

	// Extra fields, in a stable order
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(f.paint(colorCyan, k+"="))
		fmt.Fprintf(&sb, "%v", r.Fields[k])
	}
	return sb.String()
}

// logsOptions is the parsed form of the logs flags.
type logsOptions struct {
	filter logging.Filter
	grep   *regexp.Regexp
	tail   int
}

func parseLogsOptions(now time.Time) (logsOptions, error) {
	opts := logsOptions{
		filter: logging.Filter{
			Level:    logsLevel,
			Channel:  logsChannel,
			LinkID:   logsLink,
			WorkerID: logsWorker,
		},
		tail: logsTail,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return opts, fmt.Errorf("invalid duration format: %w", err)
		}
		opts.filter.Since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return opts, fmt.Errorf("invalid grep pattern: %w", err)
		}
		opts.grep = re
	}
	return opts, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := logsFile
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		path = filepath.Join(cfg.LogSink.ResolveDir(config.ConfigDir()), "records.log")
	}
	opts, err := parseLogsOptions(time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(out, "No log found at %s\n", path)
		return nil
	}
	records, err := logging.ReadRecords(path)
	if err != nil {
		return err
	}
	return displayRecords(out, records, opts, recordFormatter{color: isTerminal(out)})
}

// displayRecords filters records and writes the last opts.tail of them.
func displayRecords(out io.Writer, records []logging.Record, opts logsOptions, f recordFormatter) error {
	records, err := opts.filter.Apply(records)
	if err != nil {
		return err
	}

	var lines []string
	for _, r := range records {
		line := f.format(r)
		if opts.grep != nil && !opts.grep.MatchString(line) {
			continue
		}
		lines = append(lines, line)
	}

	// Apply tail limit
	if opts.tail > 0 && len(lines) > opts.tail {
		lines = lines[len(lines)-opts.tail:]
	}
	if len(lines) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}
