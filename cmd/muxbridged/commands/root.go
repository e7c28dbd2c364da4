// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "muxbridged",
	Short: "Serial multiplexer bridge",
	Long: `muxbridged shares one serial console between up to five boards
(SBC1..SBC5) wired through an analog multiplexer, and bridges it to
websocket clients such as the bundled browser terminal.

Everything the active board prints is filtered to printable ASCII and
sent to every client. A client switches boards by sending CHANNEL:<n>
(0-4); anything else it sends is typed on the active board's console.
Switches are spaced at least mux.switchInterval apart.

Configuration is read from muxbridged.toml in the config directory.
Every option has a default, so the file is optional.`,
	Example: `  # Run without GPIO hardware, serving the terminal from ./web
  muxbridged start --dry-run --web-root ./web

  # Start on the third board, using a USB serial adapter
  muxbridged start --channel 2 --serial-port /dev/ttyUSB0

  # Ask a remote bridge which board is active
  muxbridged status -p pi.local`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/muxbridged)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/muxbridged
		cfgDir = path.Join(home, ".config", "muxbridged")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("muxbridged")
	viper.SetConfigType("toml")

	os.Setenv("CONFDIR", cfgDir)

	// If a config file is found, read it in; the defaults are enough to run without one.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
