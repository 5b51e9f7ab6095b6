package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mlgclan/edgeguard/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the policy file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", configPath)
		fmt.Fprintf(out, "  listen %s -> %s, admin %s\n", p.Server.Listen, p.Server.Upstream, p.Admin.Listen)
		fmt.Fprintf(out, "  ip bucket %.0f rps / %d burst\n", p.Limits.IP.RPS, p.Limits.IP.Burst)

		patterns := make([]string, 0, len(p.Routes))
		for pattern := range p.Routes {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		for _, pattern := range patterns {
			r := p.Routes[pattern]
			fmt.Fprintf(out, "  route %-28s action=%s sensitivity=%s websocket=%t\n", pattern, r.Action, r.Sensitivity, r.WebSocket)
		}
		if p.Challenge.Secret == "" {
			fmt.Fprintln(out, "  warning: challenge.secret is empty; serve will generate one per process")
		}
		if len(p.Admin.Tokens) == 0 && p.Admin.JWTSecret == "" {
			fmt.Fprintln(out, "  warning: no admin credentials configured; the admin API will reject every request")
		}
		return nil
	},
}
