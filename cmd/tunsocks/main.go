// Package main provides the CLI entry point for tunsocks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/tunsocks/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunsocks",
		Short: "tunsocks - TUN to SOCKS5 UDP relay",
		Long: `tunsocks terminates the IP traffic of a TUN interface in a
user-space network stack and relays every UDP flow through the
UDP ASSOCIATE service of a SOCKS5 server.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
