package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stackvm/internal/store"
	"stackvm/internal/tools"
)

// Namespace commands only touch the store; no LLM credentials needed.
func newNamespaceCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "namespace",
		Short: "Manage tool namespaces (allow-lists)",
	}
	cmd.AddCommand(newNamespaceCreateCommand(flags, "create"))
	cmd.AddCommand(newNamespaceCreateCommand(flags, "update"))
	cmd.AddCommand(newNamespaceDeleteCommand(flags))
	cmd.AddCommand(newNamespaceListCommand(flags))
	cmd.AddCommand(newNamespaceShowCommand(flags))
	return cmd
}

func withStore(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, st store.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

func newNamespaceCreateCommand(flags *rootFlags, verb string) *cobra.Command {
	var (
		allowedTools []string
		description  string
	)
	cmd := &cobra.Command{
		Use:   verb + " <name>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st store.Store) error {
				name := args[0]
				if verb == "update" {
					existing, err := st.GetNamespace(ctx, name)
					if err != nil {
						return err
					}
					if !cmd.Flags().Changed("allowed-tools") {
						allowedTools = existing.AllowedTools
					}
					if !cmd.Flags().Changed("description") {
						description = existing.Description
					}
				}
				ns := &tools.Namespace{
					Name:         name,
					Description:  description,
					AllowedTools: allowedTools,
				}
				if err := ns.Validate(); err != nil {
					return err
				}
				if err := st.SaveNamespace(ctx, ns); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", green(verb+"d"), bold(name))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&allowedTools, "allowed-tools", nil, "tool names the namespace may call (empty allows all)")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	return cmd
}

func newNamespaceDeleteCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st store.Store) error {
				if err := st.DeleteNamespace(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", green("deleted"), bold(args[0]))
				return nil
			})
		},
	}
}

func newNamespaceListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st store.Store) error {
				namespaces, err := st.ListNamespaces(ctx)
				if err != nil {
					return err
				}
				if len(namespaces) == 0 {
					fmt.Println(gray("no namespaces"))
					return nil
				}
				for _, ns := range namespaces {
					fmt.Println(formatNamespace(ns))
				}
				return nil
			})
		},
	}
}

func newNamespaceShowCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st store.Store) error {
				ns, err := st.GetNamespace(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(formatNamespace(ns))
				return nil
			})
		},
	}
}

func formatNamespace(ns *tools.Namespace) string {
	allowed := "all tools"
	if len(ns.AllowedTools) > 0 {
		allowed = strings.Join(ns.AllowedTools, ", ")
	}
	line := bold(ns.Name) + "  " + gray(allowed)
	if ns.Description != "" {
		line += "\n  " + ns.Description
	}
	return line
}
