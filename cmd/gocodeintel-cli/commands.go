package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/gocodeintel"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Report the trigger at --offset, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		explicit, _ := cmd.Flags().GetBool("explicit")
		preceding, _ := cmd.Flags().GetBool("preceding")
		buf, pos, err := loadBuffer()
		if err != nil {
			return err
		}
		var trg gocodeintel.Trigger
		var ok bool
		if preceding {
			trg, ok, _ = gocodeintel.PrecedingTrigger(buf.Accessor, pos, pos, gocodeintel.DefaultTerminators, gocodeintel.Session{})
		} else {
			trg, ok = gocodeintel.Detect(buf.Accessor, pos, !explicit)
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no trigger")
			return nil
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), trg)
		}
		fmt.Fprintln(cmd.OutOrStdout(), trg.String())
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "List completions at --offset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTriggered(cmd, gocodeintel.FormCompletion)
	},
}

var calltipCmd = &cobra.Command{
	Use:   "calltip",
	Short: "Show the call signature for the call enclosing --offset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTriggered(cmd, gocodeintel.FormCalltip)
	},
}

var defnCmd = &cobra.Command{
	Use:   "defn",
	Short: "Find the definition of the identifier at --offset",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, pos, err := loadBuffer()
		if err != nil {
			return err
		}
		return dispatchAndPrint(cmd, buf, gocodeintel.DefinitionTrigger(pos))
	},
}

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "List importable standard library packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, pos, err := loadBuffer()
		if err != nil {
			return err
		}
		trg := gocodeintel.Trigger{Lang: gocodeintel.Lang, Form: gocodeintel.FormCompletion, Kind: gocodeintel.KindImports, Pos: pos}
		return dispatchAndPrint(cmd, buf, trg)
	},
}

var outlineCmd = &cobra.Command{
	Use:   "outline",
	Short: "Print the CIX outline of --file",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, _, err := loadBuffer()
		if err != nil {
			return err
		}
		engine, err := newEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var mtime time.Time
		if info, statErr := os.Stat(flagFile); statErr == nil {
			mtime = info.ModTime()
		}
		ci, err := engine.ExtractOutline(ctx, buf, mtime)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), ci)
		}
		out, err := xml.MarshalIndent(ci, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// runTriggered resolves the trigger the way an editor would on an explicit
// request: a trigger exactly at the cursor wins, otherwise scan backwards.
func runTriggered(cmd *cobra.Command, form gocodeintel.TriggerForm) error {
	buf, pos, err := loadBuffer()
	if err != nil {
		return err
	}
	trg, ok := gocodeintel.Detect(buf.Accessor, pos, false)
	if !ok || trg.Form != form {
		trg, ok, _ = gocodeintel.PrecedingTrigger(buf.Accessor, pos, pos, gocodeintel.DefaultTerminators, gocodeintel.Session{})
	}
	if !ok || trg.Form != form {
		fmt.Fprintf(cmd.OutOrStdout(), "no %s trigger at offset %d\n", form, pos)
		return nil
	}
	return dispatchAndPrint(cmd, buf, trg)
}

func dispatchAndPrint(cmd *cobra.Command, buf *gocodeintel.Buffer, trg gocodeintel.Trigger) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	collector := gocodeintel.NewResultCollector()
	if err := engine.Dispatch(ctx, buf, trg, collector); err != nil {
		return err
	}
	res := collector.Result()
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(w io.Writer, res gocodeintel.CollectedResult) {
	for _, e := range res.Completions {
		fmt.Fprintf(w, "%s\t%s\n", e.Kind, e.Name)
	}
	for _, tip := range res.Calltips {
		fmt.Fprintln(w, tip)
	}
	for _, d := range res.Definitions {
		fmt.Fprintf(w, "%s:%s\t%s %s\n", d.Path, d.Line, d.Kind, d.Name)
		if d.Signature != "" {
			fmt.Fprintf(w, "  %s\n", d.Signature)
		}
		if d.Doc != "" {
			fmt.Fprintf(w, "  %s\n", d.Doc)
		}
	}
	for _, msg := range res.Errors {
		fmt.Fprintf(w, "error: %s\n", msg)
	}
	if res.Done {
		fmt.Fprintf(w, "status: %s\n", res.Status)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEngine() (*gocodeintel.Engine, error) {
	engine, err := gocodeintel.NewEngine(slog.Default())
	if err != nil && engine == nil {
		return nil, err
	}
	if err != nil {
		slog.Warn("Configuration loaded with warnings", "error", err)
	}
	return engine, nil
}

// loadBuffer reads the buffer named by --file and clamps --offset to it.
func loadBuffer() (*gocodeintel.Buffer, int, error) {
	var (
		content []byte
		err     error
	)
	if flagStdin {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(flagFile)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", flagFile, err)
	}
	path, err := filepath.Abs(flagFile)
	if err != nil {
		path = flagFile
	}
	pos := flagOffset
	if pos < 0 || pos > len(content) {
		pos = len(content)
	}
	buf := &gocodeintel.Buffer{Path: path, Accessor: gocodeintel.NewTextAccessor(content)}
	return buf, pos, nil
}
