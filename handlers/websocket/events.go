package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/session"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	EventJoinRoom     = "join-room"
	EventJoinedRoom   = "joined-room"
	EventJoinError    = "join-error"
	EventFilesChanged = "files-changed"
	EventRoomExpired  = "room-expired"
)

// MembershipChecker resolves a session to its live room.
type MembershipChecker interface {
	RequireMembership(ctx context.Context, s *session.Session) (*core.Room, error)
}

// Notifier pushes room activity to the sockets that joined the room. It
// implements core.RoomEvents.
type Notifier struct {
	io       *socketio.Server
	handler  http.Handler
	sessions *session.Manager
	guard    MembershipChecker
}

func channel(roomID string) socketio.Room {
	return socketio.Room("room:" + roomID)
}

// NewServer builds the Socket.IO server and binds its engine, so the notifier
// can emit and close before the handler is mounted. A client joins its room's
// channel by sending join-room with its membership token.
func NewServer(sessions *session.Manager, guard MembershipChecker) *Notifier {
	opts := socketio.DefaultServerOptions()
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	n := &Notifier{
		io:       socketio.NewServer(nil, opts),
		sessions: sessions,
		guard:    guard,
	}
	n.handler = n.io.ServeHandler(nil)

	n.io.On("connection", func(clients ...any) {
		socket := clients[0].(*socketio.Socket)
		log := logrus.WithField("socket_id", socket.Id())

		socket.On(EventJoinRoom, func(datas ...any) {
			var token string
			if len(datas) > 0 {
				token, _ = datas[0].(string)
			}

			room, err := n.authorize(token)
			if err != nil {
				log.WithError(err).Debug("Socket refused room membership")
				socket.Emit(EventJoinError, errorCode(err))
				return
			}

			socket.Join(channel(room.ID))
			socket.Emit(EventJoinedRoom, room.Name)
			log.WithField("room", room.Name).Debug("Socket joined room")
		})

		socket.On("disconnect", func(...any) {
			socket.RemoveAllListeners("")
		})
	})

	return n
}

func errorCode(err error) string {
	if errors.Is(err, core.ErrRoomExpired) {
		return "room_expired"
	}
	return "unauthorized"
}

func (n *Notifier) authorize(token string) (*core.Room, error) {
	s, err := n.sessions.Parse(token)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.guard.RequireMembership(ctx, s)
}

// Handler serves the Socket.IO transport.
func (n *Notifier) Handler() http.Handler {
	return n.handler
}

func (n *Notifier) FilesChanged(roomID string) {
	n.io.To(channel(roomID)).Emit(EventFilesChanged)
}

// RoomExpired tells members the room is gone and drops them from its channel.
func (n *Notifier) RoomExpired(roomID string) {
	n.io.To(channel(roomID)).Emit(EventRoomExpired)
	n.io.In(channel(roomID)).SocketsLeave(channel(roomID))
}

func (n *Notifier) Close() {
	n.io.Close(nil)
}
