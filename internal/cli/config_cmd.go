package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"plexalign/internal/config"
	"plexalign/internal/fsutil"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the configuration file",
	}
	cmd.AddCommand(newConfigShowCmd(root))
	cmd.AddCommand(newConfigValidateCmd(root))
	cmd.AddCommand(newConfigInitCmd(root))
	return cmd
}

func newConfigShowCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if fsutil.FirstExisting(path) == "" {
				cmd.Printf("Config file: %s (not found, using defaults)\n", path)
			} else {
				cmd.Printf("Config file: %s\n", path)
			}
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigValidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for invalid values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			cmd.Println("configuration is valid")
			return nil
		},
	}
}

func newConfigInitCmd(root *Root) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			}
			if !force && fsutil.FirstExisting(path) != "" {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
