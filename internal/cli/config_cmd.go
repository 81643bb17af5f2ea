package cli

import (
	"fmt"
	"os"

	"geoseg/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the geoseg configuration",
	}
	cmd.AddCommand(newConfigShowCmd(root))
	cmd.AddCommand(newConfigValidateCmd(root))
	cmd.AddCommand(newConfigPathCmd(root))
	cmd.AddCommand(newConfigInitCmd(root))
	return cmd
}

func newConfigShowCmd(root *Root) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := root.cfg.Marshal(format)
			if err != nil {
				return err
			}
			_, err = root.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "json or yaml")
	return cmd
}

func newConfigValidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}
}

func newConfigPathCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, path)
			return nil
		},
	}
}

func newConfigInitCmd(root *Root) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := optionalArg(args, 0)
			if path == "" {
				var err error
				if path, err = config.Path(); err != nil {
					return err
				}
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(root.out, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
