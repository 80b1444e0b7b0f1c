package main

import (
	"fmt"
	"strings"

	"github.com/nixpig/buildworker/certs"
	"github.com/nixpig/buildworker/internal/config"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:          "buildserver",
		Short:        "Run staging builds requested over chat commands",
		Example:      "  buildserver --config buildserver.yml --debug",
		Version:      version,
		SilenceUsage: true,
	}

	flags := config.BindFlags(c.Flags())

	c.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load()
		if err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		return runServer(cmd.Context(), cfg)
	}

	c.AddCommand(certsCmd())

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}

func certsCmd() *cobra.Command {
	var (
		dir     string
		hosts   []string
		clients []string
	)

	c := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA with server and client certificates for mTLS",
		Example: "  buildserver certs --out certs --host localhost " +
			"--client alice:operator --client bob:viewer",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certs.Options{Hosts: hosts}

			for _, c := range clients {
				name, role, ok := strings.Cut(c, ":")
				if !ok || name == "" || role == "" {
					return fmt.Errorf("invalid client %q: want NAME:ROLE", c)
				}

				opts.Clients = append(opts.Clients, certs.Client{Name: name, Role: role})
			}

			if err := certs.Generate(dir, opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "certificates written to %s\n", dir)

			return nil
		},
	}

	c.Flags().StringVar(&dir, "out", "certs", "Directory to write certificates to")
	c.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "Hosts the server certificate is valid for")
	c.Flags().StringSliceVar(&clients, "client", []string{"operator:operator", "viewer:viewer"}, "Client certificates to generate, as NAME:ROLE")

	return c
}
