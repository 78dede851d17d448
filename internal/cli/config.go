package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediad/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration",
	}

	cmd.AddCommand(newConfigGenerateCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return err
			}
			fmt.Printf("wrote default configuration to %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Printf("# loaded from %s\n", path)
			} else {
				fmt.Println("# built-in defaults (no config file found)")
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
