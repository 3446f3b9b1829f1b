package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "config/userops.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-userops",
		Short: "ERC-4337 smart account lifecycle runner",
		Long: `Drive a smart account through discovery, sponsorship quoting, gas estimation,
deployment, submission of user operations and balance reconciliation.

Such as "ap-userops run" or "ap-userops snapshot" and so on
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "Path to config file, values can be overridden by environment variables")
}
