package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiFlag string
	rootCmd = &cobra.Command{
		Use:   "chartctl",
		Short: "CLI client for the chart engine",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&apiFlag, "api", "a", "http://localhost:8080", "Chart engine base URL")
	rootCmd.AddCommand(newSLOCheckCmd())
	rootCmd.AddCommand(newSubmitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
