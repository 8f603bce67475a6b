package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shehackedyou/gocodeintel"
)

var appVersion = "dev"

var (
	flagFile     string
	flagOffset   int
	flagStdin    bool
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:     "gocodeintel",
	Short:   "Go code intelligence from the command line",
	Long:    `gocodeintel detects completion triggers in Go source and answers them with gocode, godef and the go toolchain.`,
	Version: appVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := gocodeintel.ParseLogLevel(flagLogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagFile, "file", "f", "", "Go source file to analyze (required)")
	pf.IntVarP(&flagOffset, "offset", "o", -1, "Byte offset of the cursor (defaults to end of file)")
	pf.BoolVar(&flagStdin, "stdin", false, "Read the buffer contents from stdin; --file names the buffer")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flagJSON, "json", false, "Print results as JSON")
	_ = rootCmd.MarkPersistentFlagRequired("file")

	detectCmd.Flags().Bool("explicit", false, "Treat the request as explicitly invoked")
	detectCmd.Flags().Bool("preceding", false, "Scan backwards for the nearest trigger instead")

	rootCmd.AddCommand(detectCmd, completeCmd, calltipCmd, defnCmd, importsCmd, outlineCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, gocodeintel.ErrConfiguration) {
			fmt.Fprintln(os.Stderr, "hint: set go_path, gocode_path or godef_path in the config file or put the tools on PATH")
		}
		os.Exit(1)
	}
}
