package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/pool-engine/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pool-engine",
		Short:        "Constant-product liquidity pool engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE:  runServe,
	}
	config.RegisterFlags(serveCmd.Flags())
	root.AddCommand(serveCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Preview a swap against the given reserves without a server",
		RunE:  runQuote,
	}
	quoteCmd.Flags().Uint64("reserve-in", 0, "reserve of the input asset")
	quoteCmd.Flags().Uint64("reserve-out", 0, "reserve of the output asset")
	quoteCmd.Flags().Uint64("amount-in", 0, "amount sent to the pool")
	quoteCmd.Flags().String("fee", "", "fee as 30bps, 0.3% or 3/1000 (default 30bps)")
	quoteCmd.Flags().Uint64("slippage-bps", 100, "tolerance for the minimum received")
	root.AddCommand(quoteCmd)

	return root
}
