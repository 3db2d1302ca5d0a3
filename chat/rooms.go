package chat

import "github.com/rs/zerolog"

// roomController keeps the server-side room membership in line with the
// session. A join requested while disconnected is queued and replayed on the
// next connect; every reconnect rejoins because the server forgets rooms with
// the socket. Owned by the session loop; online only changes on the connect
// and disconnect frames, so a join never races the replay in OnConnect.
type roomController struct {
	emit func(Frame) error
	log  zerolog.Logger

	online bool
	want   string // room the session should be in
	joined string // room the server has acknowledged on this connection
}

func newRoomController(emit func(Frame) error, logger zerolog.Logger) *roomController {
	return &roomController{emit: emit, log: logger}
}

// Join asks the server to route messages addressed to selfID to this
// connection. Repeated joins for the same id are idempotent.
func (r *roomController) Join(selfID string) error {
	if selfID == "" {
		return ErrNoConversation
	}
	r.want = selfID
	if !r.online {
		r.log.Debug().Str("room", selfID).Msg("[chat] join queued until connected")
		return nil
	}
	return r.flush()
}

// Leave withdraws from the current room. It is a no-op when not joined.
func (r *roomController) Leave() error {
	r.want = ""
	if r.joined == "" {
		return nil
	}
	r.joined = ""
	if !r.online {
		return nil
	}
	f, _ := NewFrame(EventLeaveRoom, nil)
	return r.emit(f)
}

// OnConnect replays the queued join on a fresh connection.
func (r *roomController) OnConnect() error {
	r.online = true
	r.joined = ""
	return r.flush()
}

func (r *roomController) OnDisconnect() {
	r.online = false
	r.joined = ""
}

// Pending reports whether a join is waiting for a connection.
func (r *roomController) Pending() bool {
	return r.want != "" && r.joined != r.want
}

func (r *roomController) flush() error {
	if r.want == "" || r.joined == r.want {
		return nil
	}
	if r.joined != "" {
		f, _ := NewFrame(EventLeaveRoom, nil)
		if err := r.emit(f); err != nil {
			return err
		}
		r.joined = ""
	}
	f, err := NewFrame(EventJoin, r.want)
	if err != nil {
		return err
	}
	if err := r.emit(f); err != nil {
		return err
	}
	r.joined = r.want
	r.log.Debug().Str("room", r.want).Msg("[chat] joined room")
	return nil
}
