package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/protocol"
	"github.com/coedit-dev/collab-broker/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("time.Sleep"))
}

type fakeChannel struct {
	sent      chan []byte
	onClose   func()
	onMessage func([]byte)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sent: make(chan []byte, 16)}
}

func (f *fakeChannel) Send(frame []byte)               { f.sent <- frame }
func (f *fakeChannel) OnMessage(fn func(frame []byte)) { f.onMessage = fn }
func (f *fakeChannel) OnClose(fn func())               { f.onClose = fn }
func (f *fakeChannel) Start()                          {}
func (f *fakeChannel) Close() {
	if f.onClose != nil {
		f.onClose()
	}
}

func (f *fakeChannel) drainEnvelopes(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	out := make([]*protocol.Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case data := <-f.sent:
			env, err := protocol.Decode(data)
			require.NoError(t, err)
			out = append(out, env)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d/%d", i+1, n)
		}
	}
	return out
}

func newTestManager() *Manager {
	broker := credentials.New("test-secret-at-least-32-bytes-long!!")
	mgr := NewManager(broker)
	rl := relay.New(mgr)
	mgr.SetRelay(rl)
	return mgr
}

func TestPrepareRoom_SignsHostClaim(t *testing.T) {
	mgr := newTestManager()
	alice := credentials.User{ID: "u-alice", Name: "Alice"}

	prepared, err := mgr.PrepareRoom(alice)
	require.NoError(t, err)
	assert.Len(t, prepared.ID, 24)

	claim, err := credentials.VerifyJWT[credentials.RoomClaim](mgr.broker, prepared.JWT)
	require.NoError(t, err)
	assert.Equal(t, prepared.ID, claim.Room)
	assert.True(t, claim.Host)
	assert.Equal(t, alice, claim.User)
}

func TestJoin_HostCreatesRoomAndReceivesPeerInfo(t *testing.T) {
	mgr := newTestManager()
	ch := newFakeChannel()

	p, err := mgr.Join(ch, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	assert.True(t, p.IsHost())

	env := ch.drainEnvelopes(t, 1)[0]
	assert.Equal(t, protocol.KindNotification, env.Kind)
	assert.Equal(t, "peer/info", env.Method)

	room, ok := mgr.GetRoomByID("room-1")
	require.True(t, ok)
	assert.Equal(t, p.ID, room.HostPeer().ID)
}

func TestJoin_GuestAppendsAndBroadcastsJoined(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	host, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1) // peer/info for host

	guestCh := newFakeChannel()
	guest, err := mgr.Join(guestCh, credentials.User{ID: "u-bob", Name: "Bob"}, "room-1", false)
	require.NoError(t, err)
	assert.False(t, guest.IsHost())

	guestEnv := guestCh.drainEnvelopes(t, 1)[0]
	assert.Equal(t, "peer/info", guestEnv.Method)

	hostEnv := hostCh.drainEnvelopes(t, 1)[0]
	assert.Equal(t, protocol.KindBroadcast, hostEnv.Kind)
	assert.Equal(t, "room/joined", hostEnv.Method)

	var pub []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(hostEnv.Params, &pub))
	require.Len(t, pub, 1)
	assert.Equal(t, "Bob", pub[0].Name)

	room, ok := mgr.GetRoomByID("room-1")
	require.True(t, ok)
	assert.Equal(t, host.ID, room.HostPeer().ID)
	assert.Len(t, room.OrderedPeers(), 2)
}

func TestJoin_GuestToUnknownRoomFails(t *testing.T) {
	mgr := newTestManager()
	_, err := mgr.Join(newFakeChannel(), credentials.User{ID: "u-bob", Name: "Bob"}, "missing-room", false)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRequestJoin_ApprovedSignsGuestClaim(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	_, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1) // peer/info

	room, ok := mgr.GetRoomByID("room-1")
	require.True(t, ok)

	done := make(chan struct{})
	var jwt string
	var reqErr error
	go func() {
		jwt, reqErr = mgr.RequestJoin(room, credentials.User{ID: "u-bob", Name: "Bob"})
		close(done)
	}()

	env := hostCh.drainEnvelopes(t, 1)[0]
	assert.Equal(t, "peer/join", env.Method)

	resp, err := protocol.NewResponse(env.ID, true)
	require.NoError(t, err)
	data, err := protocol.Encode(resp)
	require.NoError(t, err)
	respEnv, err := protocol.Decode(data)
	require.NoError(t, err)
	mgr.relay.PushResponse(nil, respEnv)

	<-done
	require.NoError(t, reqErr)

	claim, err := credentials.VerifyJWT[credentials.RoomClaim](mgr.broker, jwt)
	require.NoError(t, err)
	assert.False(t, claim.Host)
	assert.Equal(t, "room-1", claim.Room)
}

func TestRequestJoin_RejectedFails(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	_, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1)

	room, _ := mgr.GetRoomByID("room-1")

	done := make(chan struct{})
	var reqErr error
	go func() {
		_, reqErr = mgr.RequestJoin(room, credentials.User{ID: "u-bob", Name: "Bob"})
		close(done)
	}()

	env := hostCh.drainEnvelopes(t, 1)[0]
	resp, _ := protocol.NewResponse(env.ID, false)
	data, _ := protocol.Encode(resp)
	respEnv, _ := protocol.Decode(data)
	mgr.relay.PushResponse(nil, respEnv)

	<-done
	require.ErrorIs(t, reqErr, ErrJoinRejected)
}

func TestCloseRoom_BroadcastsClosedAndRemovesEntry(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	host, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1)

	guestCh := newFakeChannel()
	_, err = mgr.Join(guestCh, credentials.User{ID: "u-bob", Name: "Bob"}, "room-1", false)
	require.NoError(t, err)
	guestCh.drainEnvelopes(t, 1) // peer/info
	hostCh.drainEnvelopes(t, 1)  // room/joined

	mgr.CloseRoom("room-1")

	env := guestCh.drainEnvelopes(t, 1)[0]
	assert.Equal(t, "room/closed", env.Method)
	assert.Equal(t, host.ID, env.ClientID)

	_, ok := mgr.GetRoomByID("room-1")
	assert.False(t, ok)
	_, ok = mgr.GetRoomByPeerID(host.ID)
	assert.False(t, ok)
}

func TestCloseRoom_UnknownIDIsNoop(t *testing.T) {
	mgr := newTestManager()
	assert.NotPanics(t, func() { mgr.CloseRoom("does-not-exist") })
}

func TestHostDisconnect_ClosesRoom(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	_, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1)

	hostCh.Close()

	require.Eventually(t, func() bool {
		_, ok := mgr.GetRoomByID("room-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestGuestDisconnect_BroadcastsLeft(t *testing.T) {
	mgr := newTestManager()
	hostCh := newFakeChannel()
	_, err := mgr.Join(hostCh, credentials.User{ID: "u-alice", Name: "Alice"}, "room-1", true)
	require.NoError(t, err)
	hostCh.drainEnvelopes(t, 1)

	guestCh := newFakeChannel()
	guest, err := mgr.Join(guestCh, credentials.User{ID: "u-bob", Name: "Bob"}, "room-1", false)
	require.NoError(t, err)
	guestCh.drainEnvelopes(t, 1)
	hostCh.drainEnvelopes(t, 1) // room/joined

	guestCh.Close()

	env := hostCh.drainEnvelopes(t, 1)[0]
	assert.Equal(t, "room/left", env.Method)
	assert.Equal(t, guest.ID, env.ClientID)

	room, ok := mgr.GetRoomByID("room-1")
	require.True(t, ok)
	assert.Len(t, room.OrderedPeers(), 1)
}
