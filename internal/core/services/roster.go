package services

import (
	"sync"
	"time"

	"meetline/internal/core/domain"

	"go.uber.org/zap"
)

// ConnectionRequest asks the peer manager to create a connection toward Participant.
type ConnectionRequest struct {
	Participant domain.Participant
	IsInitiator bool
}

// RosterManager owns the participant list of the current meeting. The local
// participant is never part of the list. Every mutation notifies roster
// listeners with the full list.
//
// Mutating methods are meant to be called from the session event loop;
// listeners run synchronously on the caller's goroutine.
type RosterManager struct {
	mu           sync.RWMutex
	participants []domain.Participant

	rosterListeners     []func([]domain.Participant)
	connectionListeners []func(ConnectionRequest)

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewRosterManager(logger *zap.SugaredLogger) *RosterManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RosterManager{
		now:    time.Now,
		logger: logger,
	}
}

// OnRosterChanged registers fn to receive the full roster after every change.
func (r *RosterManager) OnRosterChanged(fn func([]domain.Participant)) {
	r.mu.Lock()
	r.rosterListeners = append(r.rosterListeners, fn)
	r.mu.Unlock()
}

// OnConnectionRequested registers fn to receive peer connection requests.
func (r *RosterManager) OnConnectionRequested(fn func(ConnectionRequest)) {
	r.mu.Lock()
	r.connectionListeners = append(r.connectionListeners, fn)
	r.mu.Unlock()
}

// AddOrUpdate inserts p, updating an entry with the same peer id in place.
// An entry with the same identity under another peer id is treated as a stale
// duplicate and replaced. It returns the peer id that was replaced, if any.
func (r *RosterManager) AddOrUpdate(p domain.Participant) domain.PeerID {
	r.mu.Lock()
	replaced := r.upsertLocked(p)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if replaced != "" {
		r.logger.Infow("replaced stale roster entry",
			"peer_id", p.PeerID,
			"stale_peer_id", replaced,
			"display_name", p.DisplayName,
		)
	}
	r.emitRoster(snapshot)
	return replaced
}

func (r *RosterManager) upsertLocked(p domain.Participant) domain.PeerID {
	p.IsLocal = false
	idx := r.indexLocked(p.PeerID)
	if idx >= 0 {
		existing := r.participants[idx]
		p.JoinedAt = existing.JoinedAt
		p.HasActiveConnection = existing.HasActiveConnection
		p.IsRefreshing = existing.IsRefreshing
		r.participants[idx] = p
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = r.now()
	}

	var replaced domain.PeerID
	kept := r.participants[:0]
	for _, existing := range r.participants {
		if existing.SameIdentity(p) {
			if replaced == "" {
				replaced = existing.PeerID
			}
			continue
		}
		kept = append(kept, existing)
	}
	r.participants = kept
	if idx < 0 {
		r.participants = append(r.participants, p)
	}
	return replaced
}

// Remove deletes the entry for peerID. It reports whether an entry existed.
func (r *RosterManager) Remove(peerID domain.PeerID) bool {
	r.mu.Lock()
	idx := r.indexLocked(peerID)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.participants = append(r.participants[:idx], r.participants[idx+1:]...)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emitRoster(snapshot)
	return true
}

// Synchronize replaces the roster with an authoritative snapshot taken when
// joining an existing meeting. The local side is the newcomer, so it initiates
// toward every other entry.
func (r *RosterManager) Synchronize(server []domain.Participant, selfID domain.PeerID) {
	r.mu.Lock()
	r.participants = nil
	for _, p := range server {
		if p.PeerID == "" || p.PeerID == selfID {
			continue
		}
		r.upsertLocked(p)
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emitRoster(snapshot)
	for _, p := range snapshot {
		r.emitConnection(ConnectionRequest{Participant: p, IsInitiator: true})
	}
}

// HandleJoined adds a participant announced by the relay. The newcomer
// initiates toward us, so the request is raised with IsInitiator false.
// Announcements about ourselves are ignored.
func (r *RosterManager) HandleJoined(p domain.Participant, selfID domain.PeerID) {
	if p.PeerID == selfID {
		r.logger.Debugw("ignoring join announcement for self", "peer_id", p.PeerID)
		return
	}
	r.AddOrUpdate(p)

	if current, ok := r.Get(p.PeerID); ok {
		r.emitConnection(ConnectionRequest{Participant: current, IsInitiator: false})
	}
}

// Reconcile applies a relay roster snapshot to an existing roster: entries
// the relay no longer lists are removed and names are refreshed. It never
// raises connection requests.
func (r *RosterManager) Reconcile(server []domain.Participant, selfID domain.PeerID) {
	listed := make(map[domain.PeerID]domain.Participant, len(server))
	for _, p := range server {
		listed[p.PeerID] = p
	}

	r.mu.Lock()
	changed := false
	kept := r.participants[:0]
	for _, p := range r.participants {
		remote, ok := listed[p.PeerID]
		if !ok {
			changed = true
			continue
		}
		if remote.DisplayName != "" && remote.DisplayName != p.DisplayName {
			p.DisplayName = remote.DisplayName
			changed = true
		}
		if remote.UserID != "" && remote.UserID != p.UserID {
			p.UserID = remote.UserID
			changed = true
		}
		kept = append(kept, p)
	}
	r.participants = kept
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	for id := range listed {
		if id != selfID && !containsPeer(snapshot, id) {
			r.logger.Debugw("relay roster lists unknown participant", "peer_id", id)
		}
	}
	if changed {
		r.emitRoster(snapshot)
	}
}

// SetConnectionActive updates the has-active-connection flag of peerID.
func (r *RosterManager) SetConnectionActive(peerID domain.PeerID, active bool) {
	r.updateFlag(peerID, func(p *domain.Participant) bool {
		if p.HasActiveConnection == active {
			return false
		}
		p.HasActiveConnection = active
		return true
	})
}

// SetRefreshing updates the is-refreshing flag of peerID.
func (r *RosterManager) SetRefreshing(peerID domain.PeerID, refreshing bool) {
	r.updateFlag(peerID, func(p *domain.Participant) bool {
		if p.IsRefreshing == refreshing {
			return false
		}
		p.IsRefreshing = refreshing
		return true
	})
}

func (r *RosterManager) updateFlag(peerID domain.PeerID, mutate func(*domain.Participant) bool) {
	r.mu.Lock()
	idx := r.indexLocked(peerID)
	if idx < 0 || !mutate(&r.participants[idx]) {
		r.mu.Unlock()
		return
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emitRoster(snapshot)
}

// Clear empties the roster.
func (r *RosterManager) Clear() {
	r.mu.Lock()
	wasEmpty := len(r.participants) == 0
	r.participants = nil
	r.mu.Unlock()

	if !wasEmpty {
		r.emitRoster(nil)
	}
}

func (r *RosterManager) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *RosterManager) Get(peerID domain.PeerID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexLocked(peerID); idx >= 0 {
		return r.participants[idx], true
	}
	return domain.Participant{}, false
}

func (r *RosterManager) Contains(peerID domain.PeerID) bool {
	_, ok := r.Get(peerID)
	return ok
}

func (r *RosterManager) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *RosterManager) indexLocked(peerID domain.PeerID) int {
	for i := range r.participants {
		if r.participants[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

func (r *RosterManager) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

func (r *RosterManager) emitRoster(snapshot []domain.Participant) {
	r.mu.RLock()
	listeners := append([]func([]domain.Participant){}, r.rosterListeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (r *RosterManager) emitConnection(req ConnectionRequest) {
	r.mu.RLock()
	listeners := append([]func(ConnectionRequest){}, r.connectionListeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(req)
	}
}

func containsPeer(list []domain.Participant, id domain.PeerID) bool {
	for _, p := range list {
		if p.PeerID == id {
			return true
		}
	}
	return false
}
