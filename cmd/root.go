package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/Boothcall/internal/ui"
	"github.com/BioHazard786/Boothcall/internal/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "boothcall",
	Short:   "Peer-to-peer video rooms with live interpretation booths",
	Long:    `Boothcall runs small peer-to-peer video meetings over WebRTC. Interpreters pair up in virtual booths per language, hand the microphone to each other on air, and listeners pick the language channel they want to hear. The same binary runs the signaling server and the terminal client.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
