// Command voxlogica is the IMGQL analyzer's command-line entry point:
// version, run, list-primitives, and repl subcommands
// over github.com/spf13/cobra.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// runtimeVersion is overridden at build time via -ldflags.
var runtimeVersion = "dev"

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := &cobra.Command{
		Use:           "voxlogica",
		Short:         "VoxLogicA-2: an analyzer for the IMGQL image-query language",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var debug, verbose bool
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		switch {
		case debug:
			level = slog.LevelDebug
		case verbose:
			level = slog.LevelInfo
		}
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(
		newVersionCommand(),
		newRunCommand(&log),
		newListPrimitivesCommand(),
		newReplCommand(&log),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the runtime version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(runtimeVersion)
			return nil
		},
	}
}
