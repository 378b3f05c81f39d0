package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/metrics"
	"github.com/shardhash/torrentd/peerserver"
	"github.com/shardhash/torrentd/store"
)

var (
	peerAddr string
	peerHost string
	peerPort int
)

var peerCmd = &cobra.Command{
	Use:   "start-peer",
	Short: "run the peer's inbound TCP listener, serving pieces out of the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if peerAddr != "" {
			config.Peer.Addr = peerAddr
		}

		log := newLogger(config.LogLevel)

		scope, closer, err := metrics.New(config.Metrics)
		if err != nil {
			return fmt.Errorf("init metrics: %s", err)
		}
		defer closer.Close()
		_ = scope

		s, err := store.New(config.Store)
		if err != nil {
			return fmt.Errorf("init store: %s", err)
		}
		defer s.Close()

		localID, err := generatePeerID(peerHost, peerPort)
		if err != nil {
			return fmt.Errorf("generate peer id: %s", err)
		}

		srv := peerserver.New(config.Peer, localID, s, log)

		ctx, cancel := signalContext()
		defer cancel()

		log.Infof("peer server starting on %s as %s", config.Peer.Addr, localID)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	peerCmd.Flags().StringVar(&peerAddr, "addr", "", "address to listen on (overrides config)")
	peerCmd.Flags().StringVar(&peerHost, "host", "127.0.0.1", "this peer's advertised host")
	peerCmd.Flags().IntVar(&peerPort, "port", 6881, "this peer's advertised peer-server port")
}
