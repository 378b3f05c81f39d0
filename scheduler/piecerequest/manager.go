// Package piecerequest tracks in-flight piece requests so the scheduler
// never issues two concurrent requests for the same piece.
package piecerequest

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/shardhash/torrentd/core"
)

// Status enumerates the lifecycle of a piece request.
type Status int

const (
	// StatusPending denotes a request that is still in-flight.
	StatusPending Status = iota

	// StatusInFlight is a distinct status value; Manager itself never
	// assigns it, since Reserve records every new request as StatusPending.
	StatusInFlight

	// StatusCompleted denotes a request whose piece was received and
	// verified.
	StatusCompleted

	// StatusFailed denotes a request that timed out or whose payload
	// failed verification.
	StatusFailed

	// StatusAbandoned denotes a request whose owning peer disconnected
	// before the piece arrived.
	StatusAbandoned
)

// Request represents a single outstanding piece request to a peer.
type Request struct {
	Piece  int
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// Manager provides thread-safe bookkeeping of in-flight piece requests. It
// does not send or receive any data itself.
type Manager struct {
	mu sync.Mutex

	requests       map[int]*Request
	requestsByPeer map[core.PeerID]map[int]*Request

	clock   clock.Clock
	timeout time.Duration
}

// NewManager creates a Manager whose requests expire after timeout.
func NewManager(clk clock.Clock, timeout time.Duration) *Manager {
	return &Manager{
		requests:       make(map[int]*Request),
		requestsByPeer: make(map[core.PeerID]map[int]*Request),
		clock:          clk,
		timeout:        timeout,
	}
}

// Reserve marks piece i as pending against peerID, returning false if the
// piece already has a live (non-expired) request outstanding.
func (m *Manager) Reserve(peerID core.PeerID, i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requests[i]; ok && r.Status == StatusPending && !m.expired(r) {
		return false
	}

	r := &Request{
		Piece:  i,
		PeerID: peerID,
		Status: StatusPending,
		sentAt: m.clock.Now(),
	}
	m.requests[i] = r
	if _, ok := m.requestsByPeer[peerID]; !ok {
		m.requestsByPeer[peerID] = make(map[int]*Request)
	}
	m.requestsByPeer[peerID][i] = r
	return true
}

// MarkCompleted marks piece i as successfully received from peerID.
func (m *Manager) MarkCompleted(peerID core.PeerID, i int) {
	m.markStatus(peerID, i, StatusCompleted)
}

// MarkFailed marks piece i as failed (timeout, verification error, or
// explicit error response) so it becomes immediately eligible for
// reassignment to another peer.
func (m *Manager) MarkFailed(peerID core.PeerID, i int) {
	m.markStatus(peerID, i, StatusFailed)
}

// AbandonPeer marks every request outstanding against peerID as abandoned
// and frees it for reassignment, used when a peer disconnects mid-transfer.
func (m *Manager) AbandonPeer(peerID core.PeerID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return nil
	}
	var pieces []int
	for i, r := range pm {
		r.Status = StatusAbandoned
		pieces = append(pieces, i)
	}
	delete(m.requestsByPeer, peerID)
	return pieces
}

// Clear removes all bookkeeping for piece i, e.g. once it has been written
// to storage and verified.
func (m *Manager) Clear(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requests[i]; ok {
		if pm, ok := m.requestsByPeer[r.PeerID]; ok {
			delete(pm, i)
			if len(pm) == 0 {
				delete(m.requestsByPeer, r.PeerID)
			}
		}
	}
	delete(m.requests, i)
}

// IsOutstanding reports whether piece i has a live, non-expired pending
// request.
func (m *Manager) IsOutstanding(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[i]
	return ok && r.Status == StatusPending && !m.expired(r)
}

// Expired returns the pieces whose pending requests have timed out without
// a corresponding MarkCompleted/MarkFailed call, so the caller can retry
// them against a different peer.
func (m *Manager) Expired() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Request
	for _, r := range m.requests {
		if r.Status == StatusPending && m.expired(r) {
			expired = append(expired, *r)
		}
	}
	return expired
}

func (m *Manager) expired(r *Request) bool {
	return m.clock.Now().After(r.sentAt.Add(m.timeout))
}

func (m *Manager) markStatus(peerID core.PeerID, i int, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requests[i]; ok && r.PeerID == peerID {
		r.Status = s
	}
}
