// Package room implements the room manager: room lifecycle, the
// host/guest admission policy, and the peer index. Grounded on the
// teacher's Hub (rooms map + pendingRoomCleanups timer pattern) and
// Room.handleClientConnect (first-client-becomes-host admission),
// generalized here from "first to connect" to "whoever presents a host
// RoomClaim".
package room

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/coedit-dev/collab-broker/internal/channel"
	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/coedit-dev/collab-broker/internal/metrics"
	"github.com/coedit-dev/collab-broker/internal/peer"
	"github.com/coedit-dev/collab-broker/internal/relay"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// JoinRequestTimeout bounds how long a guest waits for the host to answer a
// peer/join admission request before JoinTimeout (reuses the relay's own
// 60s request timeout, since requestJoin is relayed through it).
const JoinRequestTimeout = relay.RequestTimeout

// Sentinel errors surfaced at the HTTP/transport boundary (spec.md §7).
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrJoinRejected = errors.New("join rejected")
	ErrJoinTimeout  = errors.New("join timeout")
)

// PreparedRoom is returned to a would-be host before the transport opens.
type PreparedRoom struct {
	ID  string
	JWT string
}

// Room is a set of peers comprising one host and zero or more guests.
type Room struct {
	ID string

	mu       sync.RWMutex
	host     *peer.Peer
	guests   []*peer.Peer
	guestIDs set.Set[string] // mirrors guests, for O(1) membership checks
}

// HostPeer satisfies relay.RoomView.
func (r *Room) HostPeer() *peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// OrderedPeers returns [host, guests...] satisfying relay.RoomView and
// spec.md §3's peers invariant.
func (r *Room) OrderedPeers() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.guests)+1)
	out = append(out, r.host)
	out = append(out, r.guests...)
	return out
}

func (r *Room) appendGuest(p *peer.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.guestIDs.Has(p.ID) {
		return
	}
	r.guestIDs.Insert(p.ID)
	r.guests = append(r.guests, p)
}

func (r *Room) removeGuest(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.guestIDs.Has(peerID) {
		return
	}
	r.guestIDs.Delete(peerID)
	for i, g := range r.guests {
		if g.ID == peerID {
			r.guests = append(r.guests[:i], r.guests[i+1:]...)
			return
		}
	}
}

// Manager owns the rooms map and the peer-to-room index (spec.md §4.6).
type Manager struct {
	broker *credentials.Broker
	relay  *relay.Relay

	mu        sync.Mutex
	rooms     map[string]*Room
	peerIndex map[string]*Room
}

// NewManager constructs a Manager with no relay attached yet. Callers must
// call SetRelay before Join/RequestJoin/CloseRoom are used — the two types
// are mutually referential (the relay resolves rooms through the manager,
// the manager dispatches requests through the relay), so construction is
// necessarily two-phase:
//
//	mgr := room.NewManager(broker)
//	rl := relay.New(mgr)
//	mgr.SetRelay(rl)
func NewManager(broker *credentials.Broker) *Manager {
	return &Manager{
		broker:    broker,
		rooms:     make(map[string]*Room),
		peerIndex: make(map[string]*Room),
	}
}

// SetRelay attaches the relay this manager dispatches requests/broadcasts
// through.
func (m *Manager) SetRelay(rl *relay.Relay) {
	m.relay = rl
}

// PrepareRoom generates a room id and signs a host RoomClaim for it. The
// Room entry itself is not created until the host actually connects.
func (m *Manager) PrepareRoom(user credentials.User) (PreparedRoom, error) {
	id := credentials.SecureID()
	claim := credentials.RoomClaim{Room: id, User: user, Host: true}
	signed, err := credentials.GenerateJWT(m.broker, claim)
	if err != nil {
		return PreparedRoom{}, err
	}
	metrics.CredentialsIssued.WithLabelValues("room-host").Inc()
	return PreparedRoom{ID: id, JWT: signed}, nil
}

// Join admits a new connection as either the host (creating the room) or a
// guest (appending to an existing one), wires its Peer, and emits the
// membership-change notifications described in spec.md §4.6.
func (m *Manager) Join(ch channel.Channel, user credentials.User, roomID string, host bool) (*peer.Peer, error) {
	peerID := uuid.NewString()
	p := peer.New(peerID, user, ch, m.relay, m, host)

	if host {
		room := &Room{ID: roomID, host: p, guestIDs: set.New[string]()}
		m.mu.Lock()
		m.rooms[roomID] = room
		m.peerIndex[peerID] = room
		m.mu.Unlock()

		metrics.ActiveRooms.Inc()
		metrics.RoomPeers.WithLabelValues(roomID).Set(1)
		ch.OnClose(func() { m.closeFromHostDisconnect(roomID) })
	} else {
		m.mu.Lock()
		room, ok := m.rooms[roomID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrRoomNotFound
		}
		room.appendGuest(p)
		m.peerIndex[peerID] = room
		m.mu.Unlock()

		metrics.RoomPeers.WithLabelValues(roomID).Set(float64(len(room.OrderedPeers())))
		ch.OnClose(func() { m.handleGuestDisconnect(room, p) })
	}

	p.SendNotification("peer/info", []any{p.Public()})

	if !host {
		raw, err := json.Marshal([]any{p.Public()})
		if err != nil {
			logging.GetLogger().Error("room: failed to marshal peer public view", zap.Error(err))
		} else if err := m.relay.SendBroadcast(p, "room/joined", raw); err != nil {
			logging.GetLogger().Warn("room: room/joined broadcast failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	return p, nil
}

// RequestJoin issues the peer/join admission handshake to room.host and, on
// approval, signs and returns a guest RoomClaim jwt.
func (m *Manager) RequestJoin(room *Room, user credentials.User) (string, error) {
	params, err := json.Marshal([]any{user})
	if err != nil {
		return "", err
	}

	resp, err := m.relay.SendRequest(nil, room.HostPeer(), "peer/join", params)
	if err != nil {
		if errors.Is(err, relay.ErrRequestTimeout) {
			return "", ErrJoinTimeout
		}
		return "", err
	}

	var approved bool
	if err := json.Unmarshal(resp, &approved); err != nil {
		return "", ErrJoinRejected
	}
	if !approved {
		return "", ErrJoinRejected
	}

	claim := credentials.RoomClaim{Room: room.ID, User: user, Host: false}
	signed, err := credentials.GenerateJWT(m.broker, claim)
	if err != nil {
		return "", err
	}
	metrics.CredentialsIssued.WithLabelValues("room-guest").Inc()
	return signed, nil
}

// CloseAll closes every currently active room, for use during graceful
// shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseRoom(id)
	}
}

// GetRoomByID is a read-only lookup.
func (m *Manager) GetRoomByID(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	return room, ok
}

// GetRoomByPeerID is a read-only lookup.
func (m *Manager) GetRoomByPeerID(peerID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.peerIndex[peerID]
	return room, ok
}

// HostOf satisfies peer.RoomLookup.
func (m *Manager) HostOf(peerID string) (*peer.Peer, error) {
	room, ok := m.GetRoomByPeerID(peerID)
	if !ok {
		return nil, peer.ErrNoRoom
	}
	return room.HostPeer(), nil
}

// RoomForPeer satisfies relay.RoomResolver.
func (m *Manager) RoomForPeer(peerID string) (relay.RoomView, bool) {
	room, ok := m.GetRoomByPeerID(peerID)
	if !ok {
		return nil, false
	}
	return room, true
}

// CloseRoom broadcasts room/closed, removes every member from peerIndex,
// closes every member channel, and removes the room entry. Idempotent.
func (m *Manager) CloseRoom(id string) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, id)
	members := room.OrderedPeers()
	for _, p := range members {
		delete(m.peerIndex, p.ID)
	}
	m.mu.Unlock()

	metrics.ActiveRooms.Dec()
	metrics.RoomPeers.DeleteLabelValues(id)

	host := room.HostPeer()
	if host != nil {
		raw, err := json.Marshal([]any{host.Public()})
		if err == nil {
			for _, p := range members {
				if p.ID == host.ID {
					continue
				}
				p.SendBroadcast(host.ID, "room/closed", raw)
			}
		}
	}

	// Best-effort: flush room/closed above before force-closing channels
	// (spec.md §9 open question, "treat as best-effort").
	for _, p := range members {
		m.relay.DropPeer(p.ID)
		p.Channel.Close()
	}
}

func (m *Manager) closeFromHostDisconnect(roomID string) {
	logging.GetLogger().Info("room: host disconnected, closing room", zap.String("room_id", roomID))
	m.CloseRoom(roomID)
}

func (m *Manager) handleGuestDisconnect(room *Room, p *peer.Peer) {
	remaining := room.OrderedPeers() // snapshot including p, for exclusion below

	m.mu.Lock()
	delete(m.peerIndex, p.ID)
	m.mu.Unlock()
	room.removeGuest(p.ID)
	m.relay.DropPeer(p.ID)
	metrics.RoomPeers.WithLabelValues(room.ID).Set(float64(len(room.OrderedPeers())))

	raw, err := json.Marshal([]any{p.Public()})
	if err != nil {
		logging.GetLogger().Error("room: failed to marshal leaving peer's public view", zap.Error(err))
		return
	}
	for _, other := range remaining {
		if other.ID == p.ID {
			continue
		}
		other.SendBroadcast(p.ID, "room/left", raw)
	}
}
