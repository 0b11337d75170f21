// Package peer implements the per-connection actor: it classifies inbound
// envelopes, forwards requests/notifications/broadcasts to the relay, and
// writes correlated responses back onto its channel. Grounded on the
// teacher's session.Client/transport.Client (ID/DisplayName/Role fields,
// mutex-guarded mutable state, close-once semantics).
package peer

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/coedit-dev/collab-broker/internal/channel"
	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/coedit-dev/collab-broker/internal/protocol"
	"go.uber.org/zap"
)

// ErrNoRoom reports that a peer no longer (or does not yet) belong to a room.
var ErrNoRoom = errors.New("no room")

// RoomLookup resolves the host of the room a given peer belongs to. Room
// manager implementations satisfy this interface; peer only depends on the
// narrow slice of behavior it needs, avoiding an import of internal/room.
type RoomLookup interface {
	HostOf(peerID string) (*Peer, error)
}

// Relay is the subset of the message relay's behavior a Peer drives
// directly. internal/relay's concrete Relay type satisfies this interface.
type Relay interface {
	SendRequest(origin, target *Peer, method string, params json.RawMessage) (json.RawMessage, error)
	PushResponse(origin *Peer, env *protocol.Envelope)
	SendNotification(target *Peer, method string, params json.RawMessage)
	SendBroadcast(origin *Peer, method string, params json.RawMessage) error
}

// PublicView is what a peer looks like to other peers: it never leaks the
// user's server-side id (spec.md §4.4), only the peer's own connection id.
type PublicView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Peer is a single live transport-connected participant.
type Peer struct {
	ID      string
	User    credentials.User
	Channel channel.Channel

	mu   sync.RWMutex
	Host bool // true iff this peer is its room's host

	relay  Relay
	lookup RoomLookup
}

// New constructs a Peer and wires its channel's inbound message callback.
// Callers must still call Channel.Start() (and typically register
// Channel.OnClose for room-lifecycle bookkeeping) before traffic flows.
func New(id string, user credentials.User, ch channel.Channel, relay Relay, lookup RoomLookup, host bool) *Peer {
	p := &Peer{
		ID:      id,
		User:    user,
		Channel: ch,
		Host:    host,
		relay:   relay,
		lookup:  lookup,
	}
	ch.OnMessage(p.handleFrame)
	return p
}

// Public returns this peer's public projection.
func (p *Peer) Public() PublicView {
	return PublicView{ID: p.ID, Name: p.User.Name, Email: p.User.Email}
}

// IsHost reports whether this peer is its room's host.
func (p *Peer) IsHost() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Host
}

// Send encodes and writes env onto the peer's channel.
func (p *Peer) Send(env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		logging.GetLogger().Error("peer: failed to encode outbound envelope", zap.String("peer_id", p.ID), zap.Error(err))
		return
	}
	p.Channel.Send(data)
}

// SendNotification is a convenience wrapper building and sending a
// notification envelope (used by the room manager for peer/info, which is
// addressed directly at this peer rather than via relay fan-out).
func (p *Peer) SendNotification(method string, params any) {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		logging.GetLogger().Error("peer: failed to build notification", zap.String("method", method), zap.Error(err))
		return
	}
	p.Send(env)
}

// SendBroadcast is a convenience wrapper for delivering a broadcast envelope
// directly to this peer (the relay uses this when fanning out).
func (p *Peer) SendBroadcast(clientID, method string, params json.RawMessage) {
	env := &protocol.Envelope{Version: protocol.Version, Kind: protocol.KindBroadcast, ClientID: clientID, Method: method, Params: params}
	p.Send(env)
}

func (p *Peer) handleFrame(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		p.Send(protocol.NewError(err.Error()))
		p.Channel.Close()
		return
	}

	switch env.Kind {
	case protocol.KindResponse, protocol.KindResponseError:
		p.relay.PushResponse(p, env)

	case protocol.KindRequest:
		go p.handleRequest(env)

	case protocol.KindNotification:
		host, err := p.lookup.HostOf(p.ID)
		if err != nil {
			logging.GetLogger().Warn("peer: notification dropped, no room", zap.String("peer_id", p.ID))
			return
		}
		p.relay.SendNotification(host, env.Method, env.Params)

	case protocol.KindBroadcast:
		if err := p.relay.SendBroadcast(p, env.Method, env.Params); err != nil {
			logging.GetLogger().Warn("peer: broadcast dropped", zap.String("peer_id", p.ID), zap.Error(err))
		}

	case protocol.KindError:
		logging.GetLogger().Info("peer: received client error envelope", zap.String("peer_id", p.ID), zap.String("message", env.Message))

	default:
		p.Send(protocol.NewError("unhandled envelope kind"))
		p.Channel.Close()
	}
}

func (p *Peer) handleRequest(env *protocol.Envelope) {
	host, err := p.lookup.HostOf(p.ID)
	if err != nil {
		p.Send(protocol.NewResponseError(env.ID, err.Error()))
		return
	}

	resp, err := p.relay.SendRequest(p, host, env.Method, env.Params)
	if err != nil {
		p.Send(protocol.NewResponseError(env.ID, err.Error()))
		return
	}

	respEnv, err := protocol.NewResponse(env.ID, json.RawMessage(resp))
	if err != nil {
		p.Send(protocol.NewResponseError(env.ID, err.Error()))
		return
	}
	p.Send(respEnv)
}
