// marketfeed connects to the market-data stream and prints events to the
// console.
//
// Usage:
//
//	marketfeed stream --config configs/marketfeed.example.yaml
//	marketfeed stream --network testnet --prices BTC,ETH --wallet 0xabc
//	marketfeed version
//
// Variables referenced as ${VAR} in the config file may be set in the
// environment or in a .env file next to the binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rickgao/marketfeed/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "marketfeed",
		Usage:   "Stream real-time market data",
		Version: version.String(),
		Commands: []*cli.Command{
			streamCommand(),
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Fprintln(cmd.Root().Writer, version.String())
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
