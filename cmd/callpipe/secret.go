package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manthysbr/callpipe/internal/config"
)

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted configuration values",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Print an enc: value usable in the YAML config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.NewSecretKey()
			if err != nil {
				return err
			}
			enc, err := key.Encrypt(args[0])
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	})
	return cmd
}
