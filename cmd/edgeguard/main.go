// Command edgeguard runs the edge protection proxy in front of the MLG.clan
// API together with its admin control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "edgeguard",
	Short:         "Edge traffic protection for the MLG.clan API",
	Long:          "Reverse proxy that scores, rate limits and escalates responses to abusive traffic, with an admin API for operators.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "edgeguard.yaml", "policy file")
	rootCmd.AddCommand(serveCmd, checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edgeguard:", err)
		os.Exit(1)
	}
}
