// Command vlessgate is the CLI entry point.
//
// The server accepts WebSocket connections carrying a VLESS-style tunnel
// header, authenticates the embedded credential against a JSON user
// directory and relays bytes to TCP destinations or, for DNS, to a
// DNS-over-HTTPS resolver.
//
// Subcommands: serve, user add, user remove, user list.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/1ureka/vlessgate/internal/util"
)

var version = "dev"

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	globals := &globalOptions{}

	root := &cobra.Command{
		Use:           "vlessgate",
		Short:         "WebSocket proxy tunnel server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if globals.debug {
				util.EnableDebug()
			}
		},
	}

	root.PersistentFlags().StringVarP(&globals.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&globals.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCommand(globals))
	root.AddCommand(newUserCommand(globals))
	return root
}
