// OneMCP — sandbox lifecycle manager for MCP servers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "onemcp",
	Short: "OneMCP — sandbox lifecycle manager for MCP servers.",
	Long: `OneMCP boots MCP servers inside Docker containers, speaks newline-delimited
JSON-RPC 2.0 to them over container stdio, and exposes their lifecycle
(discover, start, call, stop) over a small HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
