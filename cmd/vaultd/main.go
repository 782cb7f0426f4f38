// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/vaultd/cli"
	"github.com/luxfi/vaultd/cluster"
	"github.com/luxfi/vaultd/rpcd"
)

const defaultCAPath = "certs/CA/ca.crt"

func main() {
	var caPath string

	rootCmd := &cobra.Command{
		Use:   "vaultd <client_cert> <client_key>",
		Short: "Peer-to-peer shared password database",
		Long: `vaultd keeps encrypted credential stores on local disk and shares them
with peers on the same LAN. Shared stores are discovered over mDNS,
joined by proving possession of the master password, and mutated only
through a proposal/vote/commit protocol over mutual TLS.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], caPath)
		},
	}
	rootCmd.Flags().StringVar(&caPath, "ca", defaultCAPath, "path to the CA bundle")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(certPath, keyPath, caPath string) error {
	logger := log.NewLogger("vaultd")

	ctx, err := cluster.NewContext(cluster.ContextConfig{
		Bundle: rpcd.TLSBundle{
			CAFile:   caPath,
			CertFile: certPath,
			KeyFile:  keyPath,
		},
		Params: cluster.DefaultParameters(),
		Log:    logger,
		Printer: func(message string) {
			fmt.Println(message)
		},
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	defer ctx.Close()

	app := cli.New(ctx, os.Stdin, os.Stdout)
	if err := app.Run(); err != nil {
		if errors.Is(err, cli.ErrForcedExit) {
			ctx.Close()
			os.Exit(1)
		}
		return err
	}
	return nil
}
