package chat

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	frames []Frame
	online bool
	fail   error
}

func (r *recordingEmitter) emit(f Frame) error {
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingEmitter) events() []string {
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

// newTestRooms returns a controller that has already seen a connect frame
// when e.online is set.
func newTestRooms(t *testing.T, e *recordingEmitter) *roomController {
	t.Helper()
	r := newRoomController(e.emit, zerolog.Nop())
	if e.online {
		require.NoError(t, r.OnConnect())
	}
	return r
}

func TestRoomsJoinQueuedUntilConnected(t *testing.T) {
	e := &recordingEmitter{}
	r := newTestRooms(t, e)

	require.NoError(t, r.Join("1"))
	assert.Empty(t, e.frames)
	assert.True(t, r.Pending())

	require.NoError(t, r.OnConnect())
	assert.Equal(t, []string{EventJoin}, e.events())
	assert.JSONEq(t, `"1"`, string(e.frames[0].Data))
	assert.False(t, r.Pending())
}

func TestRoomsJoinIsIdempotent(t *testing.T) {
	e := &recordingEmitter{online: true}
	r := newTestRooms(t, e)
	require.NoError(t, r.Join("1"))
	require.NoError(t, r.Join("1"))
	assert.Equal(t, []string{EventJoin}, e.events())
}

func TestRoomsRejoinEveryConnect(t *testing.T) {
	e := &recordingEmitter{online: true}
	r := newTestRooms(t, e)
	require.NoError(t, r.Join("1"))

	r.OnDisconnect()
	require.NoError(t, r.OnConnect())
	assert.Equal(t, []string{EventJoin, EventJoin}, e.events())
}

func TestRoomsLeaveOnlyWhenJoined(t *testing.T) {
	e := &recordingEmitter{online: true}
	r := newTestRooms(t, e)
	require.NoError(t, r.Leave())
	assert.Empty(t, e.frames)

	require.NoError(t, r.Join("1"))
	require.NoError(t, r.Leave())
	assert.Equal(t, []string{EventJoin, EventLeaveRoom}, e.events())
	assert.False(t, r.Pending())
}

func TestRoomsFailedJoinStaysQueued(t *testing.T) {
	e := &recordingEmitter{online: true, fail: errors.New("broken pipe")}
	r := newTestRooms(t, e)
	require.Error(t, r.Join("1"))
	assert.True(t, r.Pending())

	e.fail = nil
	require.NoError(t, r.OnConnect())
	assert.Equal(t, []string{EventJoin}, e.events())
}

func TestRoomsRejectsUnknownSelf(t *testing.T) {
	r := newTestRooms(t, &recordingEmitter{})
	assert.ErrorIs(t, r.Join(""), ErrNoConversation)
}

func TestRoomsJoinWaitsForConnectFrame(t *testing.T) {
	e := &recordingEmitter{}
	r := newTestRooms(t, e)

	// The transport may already be up while its connect frame is still queued
	// behind this join; the join must not go out twice.
	require.NoError(t, r.Join("1"))
	assert.Empty(t, e.frames)

	require.NoError(t, r.OnConnect())
	require.NoError(t, r.Join("1"))
	assert.Equal(t, []string{EventJoin}, e.events())
}

func TestRoomsLeaveWhileOfflineEmitsNothing(t *testing.T) {
	e := &recordingEmitter{online: true}
	r := newTestRooms(t, e)
	require.NoError(t, r.Join("1"))

	r.OnDisconnect()
	require.NoError(t, r.Leave())
	assert.Equal(t, []string{EventJoin}, e.events())
	assert.False(t, r.Pending())
}
