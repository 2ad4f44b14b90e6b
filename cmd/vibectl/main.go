// SPDX-License-Identifier: MIT

// Command vibectl is the CLI companion of the vibecaster daemon:
// chunked uploads, job submission and live progress tails from the
// terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagToken  string
)

func main() {
	root := &cobra.Command{
		Use:           "vibectl",
		Short:         "Control a vibecaster daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("VIBECASTER_SERVER", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("VIBECASTER_TOKEN"), "bearer token")

	root.AddCommand(
		newUploadCmd(),
		newCreateCmd(),
		newListCmd(),
		newWatchCmd(),
		newCancelCmd(),
		newDismissCmd(),
		newDownloadCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *apiClient {
	return newAPIClient(flagServer, flagToken)
}
