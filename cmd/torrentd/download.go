package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
	"github.com/shardhash/torrentd/metrics"
	"github.com/shardhash/torrentd/scheduler"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/wire"
)

var (
	downloadHost string
	downloadPort int
)

var downloadCmd = &cobra.Command{
	Use:   "download <torrent-file> <out-path>",
	Short: "fetch every piece of a torrent from the tracker's swarm and assemble the file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		torrentPath, outPath := args[0], args[1]

		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		log := newLogger(config.LogLevel)

		data, err := os.ReadFile(torrentPath)
		if err != nil {
			return fmt.Errorf("read torrent file: %s", err)
		}
		info, err := metainfo.Decode(data)
		if err != nil {
			return fmt.Errorf("decode torrent file: %s", err)
		}
		h, err := info.InfoHash()
		if err != nil {
			return fmt.Errorf("compute info hash: %s", err)
		}

		peerID, err := generatePeerID(downloadHost, downloadPort)
		if err != nil {
			return fmt.Errorf("generate peer id: %s", err)
		}

		// The tracker's handshake rejects unregistered peer_ids, so this
		// leecher registers itself against the shared directory store
		// before speaking to the tracker over the wire.
		s, err := store.New(config.Store)
		if err != nil {
			return fmt.Errorf("init store: %s", err)
		}
		defer s.Close()
		if err := s.UpsertPeer(peerID, downloadHost, downloadPort); err != nil {
			return fmt.Errorf("register peer: %s", err)
		}

		candidates, err := fetchPeers(config.Tracker.Addr, peerID, h)
		if err != nil {
			return fmt.Errorf("fetch peers: %s", err)
		}
		if len(candidates) == 0 {
			return fmt.Errorf("no peers are seeding %s", h.Hex())
		}

		needed := make([]int, info.NumPieces())
		for i := range needed {
			needed[i] = i
		}

		scope, closer, err := metrics.New(config.Metrics)
		if err != nil {
			return fmt.Errorf("init metrics: %s", err)
		}
		defer closer.Close()

		sched := scheduler.New(config.Scheduler, peerID, clock.New(), scope, log)

		ctx, cancel := signalContext()
		defer cancel()

		log.Infof("downloading %s from %d candidate peers", h.Hex(), len(candidates))
		result, err := sched.Download(ctx, info, h, candidates, needed)
		if err != nil {
			return fmt.Errorf("download: %s", err)
		}

		if err := scheduler.Assemble(result, info.NumPieces(), outPath); err != nil {
			return fmt.Errorf("assemble output file: %s", err)
		}

		held := make([]int, 0, len(result.Completed))
		for i, data := range result.Completed {
			if err := s.PutPiece(peerID, h, i, data); err != nil {
				return fmt.Errorf("store piece %d: %s", i, err)
			}
			held = append(held, i)
		}
		if err := updatePieces(config.Tracker.Addr, peerID, h, held); err != nil {
			log.Warnf("failed to notify tracker of completed pieces: %s", err)
		}

		fmt.Printf("wrote %s (%d pieces)\n", outPath, len(result.Completed))
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadHost, "host", "127.0.0.1", "this leecher's advertised host")
	downloadCmd.Flags().IntVar(&downloadPort, "port", 6882, "this leecher's advertised peer-server port")
}

// fetchPeers handshakes with the tracker at addr and converts its get_peers
// response into scheduler candidates.
func fetchPeers(addr string, peerID core.PeerID, h core.InfoHash) ([]scheduler.PeerCandidate, error) {
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial tracker: %s", err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if err := wire.DoHandshake(conn, peerID.String()); err != nil {
		return nil, fmt.Errorf("handshake: %s", err)
	}

	if err := conn.Send(wire.GetPeers(peerID.String(), h.Hex())); err != nil {
		return nil, fmt.Errorf("send get_peers: %s", err)
	}
	resp, err := conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("recv get_peers response: %s", err)
	}
	if resp.Status != wire.StatusSuccess {
		return nil, fmt.Errorf("get_peers: %s", resp.Message)
	}

	candidates := make([]scheduler.PeerCandidate, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		id, err := core.NewPeerID(p.PeerID)
		if err != nil {
			continue
		}
		pieces := make(map[int]struct{}, len(p.Pieces))
		for _, i := range p.Pieces {
			pieces[i] = struct{}{}
		}
		candidates = append(candidates, scheduler.PeerCandidate{
			ID:     id,
			Addr:   fmt.Sprintf("%s:%d", p.IPAddress, p.Port),
			Pieces: pieces,
		})
	}
	return candidates, nil
}

// updatePieces notifies the tracker that peerID now holds pieces for h.
func updatePieces(addr string, peerID core.PeerID, h core.InfoHash, pieces []int) error {
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial tracker: %s", err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if err := wire.DoHandshake(conn, peerID.String()); err != nil {
		return fmt.Errorf("handshake: %s", err)
	}
	if err := conn.Send(wire.UpdatePieces(peerID.String(), h.Hex(), pieces)); err != nil {
		return fmt.Errorf("send update_pieces: %s", err)
	}
	resp, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("recv update_pieces response: %s", err)
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("update_pieces: %s", resp.Message)
	}
	return nil
}
