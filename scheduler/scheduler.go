package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
	"github.com/shardhash/torrentd/scheduler/bandwidth"
	"github.com/shardhash/torrentd/scheduler/piecerequest"
	"github.com/shardhash/torrentd/wire"
)

// ErrUnavailablePieces is returned when one or more needed pieces had no
// claiming peer left standing after reassignment.
var ErrUnavailablePieces = errors.New("scheduler: pieces unavailable")

// ErrMaxRetriesExceeded is returned when one or more needed pieces exhausted
// their retry budget without completing.
var ErrMaxRetriesExceeded = errors.New("scheduler: piece exceeded max retries")

// PeerCandidate is one peer offered by the tracker's get_peers response,
// along with the set of pieces it claims to hold.
type PeerCandidate struct {
	ID     core.PeerID
	Addr   string
	Pieces map[int]struct{}
}

// Result reports the outcome of a Download: the piece content that was
// verified and accepted, which peer contributed each piece, and any pieces
// that could not be sourced from any candidate.
type Result struct {
	Completed       map[int][]byte
	DownloadHistory map[core.PeerID][]int
	Unavailable     []int
}

// Scheduler drives a single download session: a priority queue of piece
// requests serviced by one worker per candidate peer, with adaptive peer
// scoring and reassignment on peer loss.
type Scheduler struct {
	config      Config
	localPeerID core.PeerID
	clock       clock.Clock
	scope       tally.Scope
	log         *zap.SugaredLogger
	bandwidth   *bandwidth.Limiter
	reqMgr      *piecerequest.Manager

	dial func(addr string) (net.Conn, error)

	connectMu sync.Mutex

	peerMu    sync.Mutex
	connected map[core.PeerID]*wire.Conn

	assignMu    sync.Mutex
	assignments map[core.PeerID]int

	pieceMu      sync.Mutex
	completed    *bitset.BitSet
	failedCounts map[int]int

	downloadMu      sync.Mutex
	activeDownloads map[int][]byte
	downloadHistory map[core.PeerID]map[int]struct{}

	scoreMu sync.Mutex
	scores  map[core.PeerID]float64
	stats   map[core.PeerID]*peerStats

	unavailMu   sync.Mutex
	unavailable *bitset.BitSet

	queue *priorityQueue
}

// New creates a Scheduler. clk, scope, and log may be nil, in which case a
// real clock, a no-op metrics scope, and a no-op logger are used
// respectively.
func New(config Config, localPeerID core.PeerID, clk clock.Clock, scope tally.Scope, log *zap.SugaredLogger) *Scheduler {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		config:          config,
		localPeerID:     localPeerID,
		clock:           clk,
		scope:           scope,
		log:             log,
		bandwidth:       bandwidth.NewLimiter(config.Bandwidth, log),
		reqMgr:          piecerequest.NewManager(clk, config.PieceTimeout),
		dial:            func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) },
		connected:       make(map[core.PeerID]*wire.Conn),
		assignments:     make(map[core.PeerID]int),
		completed:       bitset.New(0),
		failedCounts:    make(map[int]int),
		activeDownloads: make(map[int][]byte),
		downloadHistory: make(map[core.PeerID]map[int]struct{}),
		scores:          make(map[core.PeerID]float64),
		stats:           make(map[core.PeerID]*peerStats),
		unavailable:     bitset.New(0),
		queue:           newPriorityQueue(),
	}
}

// SetDialer overrides how the scheduler opens outbound connections to
// candidate peers. Exposed for tests that need to observe or fake dials.
func (s *Scheduler) SetDialer(dial func(addr string) (net.Conn, error)) {
	s.dial = dial
}

// Download fetches every index in needed from candidates, assembling
// verified piece content in Result.Completed. One worker goroutine runs per
// candidate peer; workers exit once Download returns.
func (s *Scheduler) Download(ctx context.Context, info *metainfo.TorrentInfo, h core.InfoHash, candidates []PeerCandidate, needed []int) (*Result, error) {
	start := s.clock.Now()

	s.pieceMu.Lock()
	s.completed = bitset.New(uint(info.NumPieces()))
	s.pieceMu.Unlock()
	s.unavailMu.Lock()
	s.unavailable = bitset.New(uint(info.NumPieces()))
	s.unavailMu.Unlock()

	byID := make(map[core.PeerID]PeerCandidate, len(candidates))
	byPiece := make(map[int][]PeerCandidate)
	for _, c := range candidates {
		byID[c.ID] = c
		for idx := range c.Pieces {
			byPiece[idx] = append(byPiece[idx], c)
		}
	}

	assignedCounts := make(map[core.PeerID]int)
	for _, idx := range needed {
		req := &pieceRequest{index: idx}
		if best, ok := s.pickBest(byPiece[idx], assignedCounts, core.PeerID{}); ok {
			req.peer = best
			req.hasPeer = true
			assignedCounts[best]++
		}
		s.queue.Push(req)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			s.runWorker(runCtx, workerID, info, h, byID, byPiece)
		}()
	}

	needSet := make(map[int]struct{}, len(needed))
	for _, idx := range needed {
		needSet[idx] = struct{}{}
	}

	ticker := s.clock.Ticker(s.config.QueuePollInterval)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-ctx.Done():
			break waitLoop
		case <-ticker.C:
			if s.isComplete(needSet) || s.isFailed(needSet) {
				break waitLoop
			}
		}
	}

	cancel()
	wg.Wait()

	for _, c := range s.closeAllConnections() {
		_ = c.Close()
	}

	recordDownloadDuration(s.scope, s.clock.Now().Sub(start))

	return s.finalize(needSet)
}

func (s *Scheduler) runWorker(ctx context.Context, workerID int, info *metainfo.TorrentInfo, h core.InfoHash, byID map[core.PeerID]PeerCandidate, byPiece map[int][]PeerCandidate) {
	defer s.releaseWorkerAssignments(workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok := s.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.config.QueuePollInterval):
			}
			continue
		}

		if !req.hasPeer {
			s.markUnavailable(req.index)
			continue
		}

		if !s.claimWorker(workerID, req.peer) {
			s.queue.Push(req)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.config.YieldInterval):
			}
			continue
		}

		// Enforces invariant 2: at most one outstanding in-flight request
		// per piece. A Reserve failure means another worker already
		// claimed this index; drop this copy rather than duplicate work.
		if !s.reqMgr.Reserve(req.peer, req.index) {
			s.resetWorkerAssignment(workerID, req.peer)
			continue
		}

		candidate := byID[req.peer]
		conn, err := s.ensureConnected(ctx, req.peer, candidate.Addr)
		if err != nil {
			s.log.Warnf("worker %d: evicting peer %s after reconnect failure: %s", workerID, req.peer, err)
			s.reqMgr.Clear(req.index)
			s.evictPeer(req.peer)
			s.reassign(req, byPiece)
			s.resetWorkerAssignment(workerID, req.peer)
			continue
		}

		s.transferPiece(conn, info, h, req, byPiece)
	}
}

func (s *Scheduler) claimWorker(workerID int, peerID core.PeerID) bool {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	owner, ok := s.assignments[peerID]
	if ok {
		return owner == workerID
	}
	s.assignments[peerID] = workerID
	return true
}

func (s *Scheduler) resetWorkerAssignment(workerID int, peerID core.PeerID) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()
	if s.assignments[peerID] == workerID {
		delete(s.assignments, peerID)
	}
}

func (s *Scheduler) releaseWorkerAssignments(workerID int) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()
	for p, w := range s.assignments {
		if w == workerID {
			delete(s.assignments, p)
		}
	}
}

// ensureConnected returns a live connection to peerID, attempting a
// reconnect bounded by config.ReconnectTimeout with a fixed
// config.ReconnectInterval backoff if none exists yet.
func (s *Scheduler) ensureConnected(ctx context.Context, peerID core.PeerID, addr string) (*wire.Conn, error) {
	s.peerMu.Lock()
	if c, ok := s.connected[peerID]; ok {
		s.peerMu.Unlock()
		return c, nil
	}
	s.peerMu.Unlock()

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.peerMu.Lock()
	if c, ok := s.connected[peerID]; ok {
		s.peerMu.Unlock()
		return c, nil
	}
	s.peerMu.Unlock()

	reconnectCtx, cancel := context.WithTimeout(ctx, s.config.ReconnectTimeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewConstantBackOff(s.config.ReconnectInterval), reconnectCtx)

	var conn *wire.Conn
	err := backoff.Retry(func() error {
		nc, err := s.dial(addr)
		if err != nil {
			return fmt.Errorf("dial: %s", err)
		}
		c := wire.NewConn(nc)
		c.SetDeadline(s.clock.Now().Add(s.config.SocketTimeout))
		if err := wire.DoHandshake(c, s.localPeerID.String()); err != nil {
			c.Close()
			return fmt.Errorf("handshake: %s", err)
		}
		c.SetDeadline(time.Time{})
		conn = c
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}

	s.peerMu.Lock()
	s.connected[peerID] = conn
	s.peerMu.Unlock()

	s.updateConnectedBonus(peerID, true)

	return conn, nil
}

func (s *Scheduler) evictPeer(peerID core.PeerID) {
	s.peerMu.Lock()
	if c, ok := s.connected[peerID]; ok {
		c.Close()
		delete(s.connected, peerID)
	}
	s.peerMu.Unlock()

	s.reqMgr.AbandonPeer(peerID)
	s.updateConnectedBonus(peerID, false)
	s.scope.Counter("peers_evicted").Inc(1)
}

func (s *Scheduler) closeAllConnections() []*wire.Conn {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	conns := make([]*wire.Conn, 0, len(s.connected))
	for id, c := range s.connected {
		conns = append(conns, c)
		delete(s.connected, id)
	}
	return conns
}

// reassign implements §4.5.2: route a lost peer's in-flight piece to the
// best-scoring other claimant, or mark it unavailable if none remains.
func (s *Scheduler) reassign(req *pieceRequest, byPiece map[int][]PeerCandidate) {
	if best, ok := s.pickBest(byPiece[req.index], nil, req.peer); ok {
		s.queue.Push(&pieceRequest{index: req.index, attempts: req.attempts, peer: best, hasPeer: true})
		return
	}
	s.markUnavailable(req.index)
}

// pickBest selects the best-scoring owner in owners, excluding exclude.
// When assignedCounts is non-nil, each candidate's score is penalized by
// 0.1 per piece already assigned to it (the initial-assignment load
// balancer); nil disables the penalty for reassignment/retry picks.
func (s *Scheduler) pickBest(owners []PeerCandidate, assignedCounts map[core.PeerID]int, exclude core.PeerID) (core.PeerID, bool) {
	var best core.PeerID
	bestScore := -1.0
	found := false
	for _, o := range owners {
		if o.ID == exclude {
			continue
		}
		score := s.peerScore(o.ID)
		if assignedCounts != nil {
			score -= 0.1 * float64(assignedCounts[o.ID])
		}
		if !found || score > bestScore {
			best, bestScore, found = o.ID, score, true
		}
	}
	return best, found
}

func (s *Scheduler) peerScore(peerID core.PeerID) float64 {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	if sc, ok := s.scores[peerID]; ok {
		return sc
	}
	s.peerMu.Lock()
	_, connected := s.connected[peerID]
	s.peerMu.Unlock()

	sc := computeScore(s.statsForLocked(peerID), connected)
	s.scores[peerID] = sc
	return sc
}

// statsForLocked returns (creating if needed) the stats entry for peerID.
// Callers must hold scoreMu.
func (s *Scheduler) statsForLocked(peerID core.PeerID) *peerStats {
	st, ok := s.stats[peerID]
	if !ok {
		st = &peerStats{}
		s.stats[peerID] = st
	}
	return st
}

func (s *Scheduler) updateConnectedBonus(peerID core.PeerID, connected bool) {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	sc, ok := s.scores[peerID]
	if !ok {
		s.scores[peerID] = computeScore(s.statsForLocked(peerID), connected)
		return
	}
	if connected {
		s.scores[peerID] = clampScore(sc + connectedBonus)
	} else {
		s.scores[peerID] = clampScore(sc - connectedBonus)
	}
}

func (s *Scheduler) bumpScoreOnSuccess(peerID core.PeerID) {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	s.statsForLocked(peerID).recordSuccess()

	cur, ok := s.scores[peerID]
	if !ok {
		cur = computeScore(s.statsForLocked(peerID), true)
	}
	s.scores[peerID] = clampScore(cur + 1.0)
}

func (s *Scheduler) bumpScoreOnFailure(peerID core.PeerID) {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	s.statsForLocked(peerID).recordFailure()

	cur, ok := s.scores[peerID]
	if !ok {
		cur = computeScore(s.statsForLocked(peerID), false)
	}
	s.scores[peerID] = clampScore(cur - 0.5)
}

// transferPiece implements §4.5 point 3: request, verify, ack, and record
// the outcome, or route through onPieceFailure.
func (s *Scheduler) transferPiece(conn *wire.Conn, info *metainfo.TorrentInfo, h core.InfoHash, req *pieceRequest, byPiece map[int][]PeerCandidate) {
	start := s.clock.Now()

	conn.SetDeadline(s.clock.Now().Add(s.config.PieceTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := conn.Send(wire.RequestPiece(s.localPeerID.String(), h.Hex(), req.index)); err != nil {
		s.onPieceFailure(req, byPiece, fmt.Errorf("send request: %s", err), true)
		return
	}
	resp, err := conn.Recv()
	if err != nil {
		s.onPieceFailure(req, byPiece, fmt.Errorf("recv response: %s", err), true)
		return
	}
	if resp.Status != wire.StatusSuccess {
		s.onPieceFailure(req, byPiece, fmt.Errorf("peer reported error: %s", resp.Message), false)
		return
	}

	data, err := wire.DecodePieceData(resp.PieceData)
	if err != nil {
		s.onPieceFailure(req, byPiece, fmt.Errorf("decode piece: %s", err), false)
		return
	}

	if err := s.bandwidth.ReserveIngress(int64(len(data))); err != nil {
		s.onPieceFailure(req, byPiece, fmt.Errorf("bandwidth limit: %s", err), false)
		return
	}

	expected, err := info.PieceHash(req.index)
	if err != nil {
		s.onPieceFailure(req, byPiece, fmt.Errorf("piece hash lookup: %s", err), false)
		return
	}
	if !metainfo.VerifyPiece(data, expected) {
		s.onPieceFailure(req, byPiece, fmt.Errorf("piece %d failed hash verification", req.index), false)
		return
	}

	if err := conn.SendAck(); err != nil {
		s.log.Warnf("failed to ack piece %d to %s: %s", req.index, req.peer, err)
	}

	if elapsed := s.clock.Now().Sub(start); elapsed > 0 {
		s.scoreMu.Lock()
		s.statsForLocked(req.peer).recordSpeed(float64(len(data)) / elapsed.Seconds())
		s.scoreMu.Unlock()
	}

	s.pieceMu.Lock()
	s.completed.Set(uint(req.index))
	delete(s.failedCounts, req.index)
	s.pieceMu.Unlock()

	s.downloadMu.Lock()
	s.activeDownloads[req.index] = data
	if s.downloadHistory[req.peer] == nil {
		s.downloadHistory[req.peer] = make(map[int]struct{})
	}
	s.downloadHistory[req.peer][req.index] = struct{}{}
	s.downloadMu.Unlock()

	s.bumpScoreOnSuccess(req.peer)
	s.scope.Counter("pieces_completed").Inc(1)

	s.reqMgr.MarkCompleted(req.peer, req.index)
	s.reqMgr.Clear(req.index)
}

// onPieceFailure handles a failed transfer attempt. connDead marks a
// send/recv failure on the connection itself, as opposed to a protocol- or
// data-level rejection from an otherwise-live peer, and triggers the same
// eviction a reconnect failure in runWorker triggers. A retry never targets
// req.peer; with no other claimant the piece is marked unavailable.
func (s *Scheduler) onPieceFailure(req *pieceRequest, byPiece map[int][]PeerCandidate, cause error, connDead bool) {
	s.log.Warnf("piece %d from %s failed: %s", req.index, req.peer, cause)

	s.bumpScoreOnFailure(req.peer)
	s.scope.Counter("pieces_failed").Inc(1)

	s.reqMgr.MarkFailed(req.peer, req.index)
	s.reqMgr.Clear(req.index)

	if connDead {
		s.evictPeer(req.peer)
	}

	s.pieceMu.Lock()
	s.failedCounts[req.index]++
	attempts := s.failedCounts[req.index]
	s.pieceMu.Unlock()

	if attempts >= s.config.MaxRetries {
		s.log.Warnf("piece %d abandoned after %d attempts", req.index, attempts)
		return
	}

	if best, ok := s.pickBest(byPiece[req.index], nil, req.peer); ok {
		s.queue.Push(&pieceRequest{index: req.index, attempts: attempts, priority: 1, peer: best, hasPeer: true})
		return
	}
	s.markUnavailable(req.index)
}

func (s *Scheduler) markUnavailable(index int) {
	s.unavailMu.Lock()
	s.unavailable.Set(uint(index))
	s.unavailMu.Unlock()
}

func (s *Scheduler) isComplete(needed map[int]struct{}) bool {
	s.pieceMu.Lock()
	defer s.pieceMu.Unlock()
	for idx := range needed {
		if !s.completed.Test(uint(idx)) {
			return false
		}
	}
	return true
}

func (s *Scheduler) isFailed(needed map[int]struct{}) bool {
	s.unavailMu.Lock()
	unavailable := s.unavailable.Any()
	s.unavailMu.Unlock()
	if unavailable {
		return true
	}

	s.pieceMu.Lock()
	defer s.pieceMu.Unlock()
	for idx := range needed {
		if s.completed.Test(uint(idx)) {
			continue
		}
		if s.failedCounts[idx] < s.config.MaxRetries {
			return false
		}
	}
	return true
}

func (s *Scheduler) finalize(needed map[int]struct{}) (*Result, error) {
	s.unavailMu.Lock()
	var unavailable []int
	for idx, ok := s.unavailable.NextSet(0); ok; idx, ok = s.unavailable.NextSet(idx + 1) {
		unavailable = append(unavailable, int(idx))
	}
	s.unavailMu.Unlock()

	s.pieceMu.Lock()
	allDone := true
	for idx := range needed {
		if !s.completed.Test(uint(idx)) {
			allDone = false
			break
		}
	}
	s.pieceMu.Unlock()

	s.downloadMu.Lock()
	completed := make(map[int][]byte, len(s.activeDownloads))
	for idx, data := range s.activeDownloads {
		completed[idx] = data
	}
	history := make(map[core.PeerID][]int, len(s.downloadHistory))
	for peerID, pieces := range s.downloadHistory {
		for idx := range pieces {
			history[peerID] = append(history[peerID], idx)
		}
	}
	s.downloadMu.Unlock()

	result := &Result{Completed: completed, DownloadHistory: history, Unavailable: unavailable}

	if len(unavailable) > 0 {
		return result, fmt.Errorf("%w: %v", ErrUnavailablePieces, unavailable)
	}
	if !allDone {
		return result, ErrMaxRetriesExceeded
	}
	return result, nil
}

// Assemble materializes result's completed pieces in ascending index order
// and writes them to outPath via metainfo.CombinePieces.
func Assemble(result *Result, numPieces int, outPath string) error {
	pieces := make([][]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		data, ok := result.Completed[i]
		if !ok {
			return fmt.Errorf("missing piece %d", i)
		}
		pieces[i] = data
	}
	return metainfo.CombinePieces(pieces, outPath)
}
