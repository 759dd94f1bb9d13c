package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/keystore"
)

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Store the API key encrypted on disk",
	}

	setCmd := &cobra.Command{
		Use:   "set [api-key]",
		Short: "Encrypt and store an API key (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.keystore()
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read api key: %w", err)
				}
				key = line
			}
			if err := ks.Save(strings.TrimSpace(key)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key stored in %s\n", ks.Dir())
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether an API key is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.keystore()
			if err != nil {
				return err
			}
			key, err := ks.Load()
			if errors.Is(err, keystore.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No API key stored.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored API key: %s\n", maskKey(key))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.keystore()
			if err != nil {
				return err
			}
			if err := ks.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored API key removed.")
			return nil
		},
	}

	cmd.AddCommand(setCmd, statusCmd, clearCmd)
	return cmd
}

func (a *app) keystore() (*keystore.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if cfg.Keystore == "" {
		return nil, errors.New("keystore is disabled; set keystore in the config file")
	}
	return keystore.New(cfg.Keystore), nil
}
