package main

import (
	"encoding/json"
	"pyris/internal/connector"

	"github.com/spf13/cobra"
)

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants <feature>",
		Short: "List the pipeline variants the Pyris service offers for a feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client, err := connector.New(connector.Config{
				BaseURL: cfg.Pyris.URL,
				Secret:  cfg.Pyris.Secret,
				Timeout: cfg.Pyris.Timeout,
			}, nil)
			if err != nil {
				return err
			}

			variants, err := client.ListVariants(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(variants)
		},
	}
}
