package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prismcli/prism/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, create and locate the config file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with API keys masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Providers = make([]config.ProviderConfig, len(cfg.Providers))
			for i, p := range cfg.Providers {
				p.APIKey = maskKey(p.APIKey)
				masked.Providers[i] = p
			}
			out, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.path()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			cfg := config.Default()
			cfg.Providers[0].APIKey = "${OPENAI_API_KEY}"
			if err := config.Write(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), a.path())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.config(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Config is valid.")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd, pathCmd, validateCmd)
	return cmd
}

func (a *app) path() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.DefaultPath()
}

func maskKey(k string) string {
	if k == "" {
		return ""
	}
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "..." + k[len(k)-4:]
}
