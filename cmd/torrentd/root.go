// Command torrentd runs the tracker service, the peer-serving daemon, or
// drives one-shot upload/download/inspect operations against a torrent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/core"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "torrentd",
	Short: "torrentd runs and drives a BitTorrent-style piece-exchange swarm",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")

	rootCmd.AddCommand(trackerCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(getCmd)
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM, the shared
// is_running flag's Go-native equivalent.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func generatePeerID(ip string, port int) (core.PeerID, error) {
	return core.AddrHashPeerIDFactory.GeneratePeerID(ip, port)
}
