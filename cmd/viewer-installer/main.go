package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
	assumeYes bool
)

var rootCmd = &cobra.Command{
	Use:   "viewer-installer",
	Short: "Hancom Office viewer installer",
	Long:  `viewer-installer downloads, verifies and installs the Hancom Office document viewer`,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the viewer package is installed",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runCheck(cmd.OutOrStdout()))
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and verify the viewer package",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDownload(cmd.OutOrStdout()))
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Download, verify and install the viewer package",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runInstall(cmd.InOrStdin(), cmd.OutOrStdout()))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve installer status and actions over HTTP and WebSocket",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, closeLog := setup()
		defer closeLog()
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode config: %v\n", err)
			os.Exit(1)
		}
		cmd.OutOrStdout().Write(out)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "viewer-installer v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/viewer-installer/installer.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	installCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "install without asking for confirmation")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
