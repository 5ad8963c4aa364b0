package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample config file",
	Long: `Init writes a complete membank.yaml populated with the default values.
Pass a path to write elsewhere; "-" writes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Show prints the configuration after flags, environment variables and
the config file have been merged, in precedence order.`,
	RunE: runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "membank.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if path == "-" {
		return config.WriteSample(os.Stdout)
	}

	if !configForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := config.WriteSample(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing sample config: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if jsonOutput {
		outputJSON(config.AllSettings())
		return nil
	}

	if used := config.ConfigFileUsed(); used != "" {
		fmt.Printf("# from %s\n", used)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(config.Current()); err != nil {
		return err
	}
	return enc.Close()
}
