package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/voxlogica-project/voxlogica2/internal/registry"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib"
)

// newListPrimitivesCommand enumerates registered primitives, optionally
// scoped to one namespace.
func newListPrimitivesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-primitives [NAMESPACE]",
		Short: "enumerate available primitives",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var namespace string
			if len(args) == 1 {
				namespace = args[0]
			}
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			reg := registry.New(log)
			if err := reg.LoadRegisteredNamespaces(); err != nil {
				return err
			}
			for _, spec := range reg.ListPrimitives(namespace) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", spec.Qualified(), spec.Description)
			}
			return nil
		},
	}
}
