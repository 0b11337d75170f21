// Package relay implements the message relay: a pending-request correlation
// table, fan-out broadcast delivery, and per-host circuit breaking.
// Grounded on the teacher's Room.broadcast/broadcastWithOptions (role-set
// fan-out via non-blocking per-client select/default send) and on
// Hub.pendingRoomCleanups (timer-map-per-entry pattern), applied here to
// per-request correlation instead of per-room cleanup.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/metrics"
	"github.com/coedit-dev/collab-broker/internal/peer"
	"github.com/coedit-dev/collab-broker/internal/protocol"
	"github.com/sony/gobreaker"
)

// RequestTimeout is how long a relayed request may go unanswered before it
// settles as ErrRequestTimeout (spec.md §5).
const RequestTimeout = 60 * time.Second

// ErrRequestTimeout reports that a relayed request was not answered within
// RequestTimeout.
var ErrRequestTimeout = errors.New("request timeout")

// ErrNoRoom reports that a peer has no room to relay a broadcast through.
var ErrNoRoom = errors.New("no room")

// ErrChannelClosed reports that a pending request's target disconnected
// before answering.
var ErrChannelClosed = errors.New("channel closed")

// RoomView is the narrow room projection the relay needs for broadcast
// fan-out and host targeting.
type RoomView interface {
	HostPeer() *peer.Peer
	OrderedPeers() []*peer.Peer
}

// RoomResolver locates the room a given peer belongs to. internal/room's
// Manager satisfies this interface.
type RoomResolver interface {
	RoomForPeer(peerID string) (RoomView, bool)
}

type pendingEntry struct {
	targetID string
	timer    *time.Timer
	settleCh chan settlement
	once     sync.Once
}

type settlement struct {
	data json.RawMessage
	err  error
}

// Relay owns the pending-request correlation table and drives broadcast
// fan-out and per-host circuit breaking.
type Relay struct {
	resolver RoomResolver

	mu      sync.Mutex
	pending map[string]*pendingEntry

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New constructs a Relay backed by resolver for room/host lookups.
func New(resolver RoomResolver) *Relay {
	return &Relay{
		resolver: resolver,
		pending:  make(map[string]*pendingEntry),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Relay) breakerFor(hostID string) *gobreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	if cb, ok := r.breakers[hostID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-host-" + hostID,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(hostID).Set(stateVal)
		},
	})
	r.breakers[hostID] = cb
	return cb
}

// SendRequest allocates a fresh correlation id, arms a 60s timeout, and
// blocks until the target answers, the timeout fires, or the per-host
// circuit breaker is open. The original request's id is never seen by the
// relay: the caller (internal/peer) retains it and re-attaches it to the
// eventual Response/ResponseError it writes back on its own channel.
func (r *Relay) SendRequest(origin, target *peer.Peer, method string, params json.RawMessage) (json.RawMessage, error) {
	if target == nil {
		return nil, ErrNoRoom
	}

	corrID := credentials.SecureID()
	entry := &pendingEntry{targetID: target.ID, settleCh: make(chan settlement, 1)}
	// Arm the timer before the entry becomes visible to other goroutines so
	// a response racing in immediately after insertion never observes a nil
	// entry.timer.
	entry.timer = time.AfterFunc(RequestTimeout, func() {
		r.settle(corrID, settlement{err: ErrRequestTimeout})
	})

	r.mu.Lock()
	r.pending[corrID] = entry
	metrics.RelayPendingRequests.Set(float64(len(r.pending)))
	r.mu.Unlock()

	breaker := r.breakerFor(target.ID)
	start := time.Now()

	result, err := breaker.Execute(func() (any, error) {
		idRaw, marshalErr := json.Marshal(corrID)
		if marshalErr != nil {
			return nil, marshalErr
		}
		env := &protocol.Envelope{Version: protocol.Version, Kind: protocol.KindRequest, ID: idRaw, Method: method, Params: params}
		data, encErr := protocol.Encode(env)
		if encErr != nil {
			return nil, encErr
		}
		target.Channel.Send(data)

		s := <-entry.settleCh
		if s.err != nil {
			return nil, s.err
		}
		return s.data, nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.settle(corrID, settlement{err: err}) // no-op if already settled, clears table on breaker-open short circuit
	}
	metrics.RelayRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// PushResponse looks up the pending entry keyed by env's id and settles it.
// An absent entry (late or duplicate response) is dropped silently.
func (r *Relay) PushResponse(origin *peer.Peer, env *protocol.Envelope) {
	idStr, err := idAsString(env.ID)
	if err != nil {
		return
	}

	r.mu.Lock()
	entry, ok := r.pending[idStr]
	if ok {
		delete(r.pending, idStr)
		metrics.RelayPendingRequests.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()

	if env.Kind == protocol.KindResponseError {
		r.deliver(entry, settlement{err: errors.New(env.Message)})
		return
	}
	r.deliver(entry, settlement{data: env.Response})
}

// SendNotification delivers msg to target once, with no correlation or retry.
func (r *Relay) SendNotification(target *peer.Peer, method string, params json.RawMessage) {
	if target == nil {
		return
	}
	env := &protocol.Envelope{Version: protocol.Version, Kind: protocol.KindNotification, Method: method, Params: params}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	target.Channel.Send(data)
}

// SendBroadcast resolves origin's room and fans msg out to every peer except
// origin, in room.peers order.
func (r *Relay) SendBroadcast(origin *peer.Peer, method string, params json.RawMessage) error {
	room, ok := r.resolver.RoomForPeer(origin.ID)
	if !ok {
		return ErrNoRoom
	}

	count := 0
	for _, p := range room.OrderedPeers() {
		if p.ID == origin.ID {
			continue
		}
		p.SendBroadcast(origin.ID, method, params)
		count++
	}
	metrics.EnvelopesTotal.WithLabelValues("broadcast", "ok").Add(float64(count))
	return nil
}

// DropPeer rejects every pending entry whose target is peerID with
// ErrChannelClosed, draining requests that can no longer be answered
// (spec.md §5, "closing a peer's channel must drain its outstanding
// inbound requests").
func (r *Relay) DropPeer(peerID string) {
	r.mu.Lock()
	var toSettle []*pendingEntry
	for id, entry := range r.pending {
		if entry.targetID == peerID {
			toSettle = append(toSettle, entry)
			delete(r.pending, id)
		}
	}
	metrics.RelayPendingRequests.Set(float64(len(r.pending)))
	r.mu.Unlock()

	for _, entry := range toSettle {
		entry.timer.Stop()
		r.deliver(entry, settlement{err: ErrChannelClosed})
	}
}

func (r *Relay) settle(corrID string, s settlement) {
	r.mu.Lock()
	entry, ok := r.pending[corrID]
	if ok {
		delete(r.pending, corrID)
		metrics.RelayPendingRequests.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	r.deliver(entry, s)
}

func (r *Relay) deliver(entry *pendingEntry, s settlement) {
	entry.once.Do(func() {
		entry.settleCh <- s
	})
}

func idAsString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("id is neither string nor number: %s", string(raw))
}
