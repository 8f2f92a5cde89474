package _switch

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/jamhub-relay/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrMemberNotFound = errors.New("member not found")

	// ErrEndpointClosed is returned by endpoints whose connection is
	// already tearing down.
	ErrEndpointClosed = errors.New("endpoint is closed")
)

// Endpoint is the outbound side of one member connection.
type Endpoint interface {
	Send(ctx context.Context, data []byte) error
}

type member struct {
	user model.User
	ep   Endpoint
}

// Room fans out events to its members.
//
// Membership is copy-on-write: writers serialize on mx and publish a new
// slice, so a broadcast always iterates a consistent snapshot without
// holding the lock while delivering.
type Room struct {
	logger  zerolog.Logger
	id      string
	mx      *sync.Mutex
	members []member
}

type Config struct {
	Logger *zerolog.Logger
	ID     string
}

func NewRoom(cfg Config) *Room {
	return &Room{
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("roomID", cfg.ID).Logger(),
		id: cfg.ID,
		mx: &sync.Mutex{},
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) snapshot() []member {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.members
}

// Add appends user to the room or, if a member with the same id exists,
// replaces it in place. Other members are notified with user_join.
// It reports whether the user is new to the room.
func (r *Room) Add(ctx context.Context, user model.User, ep Endpoint) bool {
	r.mx.Lock()
	idx := indexOf(r.members, user.ID)
	next := make([]member, len(r.members), len(r.members)+1)
	copy(next, r.members)
	if idx < 0 {
		next = append(next, member{user: user, ep: ep})
	} else {
		next[idx] = member{user: user, ep: ep}
	}
	r.members = next
	r.mx.Unlock()

	r.logger.Debug().
		Str("userID", user.ID).
		Bool("rejoin", idx >= 0).
		Int("members", len(next)).
		Msg("member added")

	r.notify(ctx, model.EventTypeUserJoin, user, next)
	return idx < 0
}

// Remove deletes the member with userID and notifies the rest with user_leave.
// Removing an absent user is a no-op.
func (r *Room) Remove(ctx context.Context, userID string) bool {
	r.mx.Lock()
	idx := indexOf(r.members, userID)
	if idx < 0 {
		r.mx.Unlock()
		return false
	}
	user := r.members[idx].user
	next := make([]member, 0, len(r.members)-1)
	next = append(next, r.members[:idx]...)
	next = append(next, r.members[idx+1:]...)
	r.members = next
	r.mx.Unlock()

	r.logger.Debug().
		Str("userID", userID).
		Int("members", len(next)).
		Msg("member removed")

	r.notify(ctx, model.EventTypeUserLeave, user, next)
	return true
}

// SetUser updates attributes of an existing member.
func (r *Room) SetUser(user model.User) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	idx := indexOf(r.members, user.ID)
	if idx < 0 {
		return false
	}
	next := make([]member, len(r.members))
	copy(next, r.members)
	next[idx].user = user
	r.members = next
	return true
}

// Broadcast delivers data to every member except exclude, in membership order.
// Delivery failures are logged per recipient and never abort the rest.
// It returns the number of members that got the message.
func (r *Room) Broadcast(ctx context.Context, data []byte, exclude string) int {
	return r.deliver(ctx, data, exclude, r.snapshot())
}

// Send delivers data to a single member.
func (r *Room) Send(ctx context.Context, userID string, data []byte) error {
	members := r.snapshot()
	idx := indexOf(members, userID)
	if idx < 0 {
		return ErrMemberNotFound
	}
	return members[idx].ep.Send(ctx, data)
}

// Info returns a public view of the room without the member exclude.
func (r *Room) Info(exclude string) model.RoomInfo {
	members := r.snapshot()
	users := make([]model.User, 0, len(members))
	for _, m := range members {
		if m.user.ID != exclude {
			users = append(users, m.user)
		}
	}
	return model.RoomInfo{
		Name:   r.id,
		Users:  users,
		Online: len(users),
	}
}

func (r *Room) Len() int {
	return len(r.snapshot())
}

func (r *Room) notify(ctx context.Context, typ string, user model.User, members []member) {
	ev := model.NewUserEvent(typ, user)
	b, err := ev.Encode()
	if err != nil {
		r.logger.Error().Err(err).Str("type", typ).Msg("failed to encode membership event")
		return
	}
	r.deliver(ctx, b, user.ID, members)
}

func (r *Room) deliver(ctx context.Context, data []byte, exclude string, members []member) int {
	var sent int
	for _, m := range members {
		if exclude != "" && m.user.ID == exclude {
			continue
		}
		if err := m.ep.Send(ctx, data); err != nil {
			if errors.Is(err, ErrEndpointClosed) || ctx.Err() != nil {
				r.logger.Debug().Err(err).Str("dst", m.user.ID).Msg("not delivered")
				continue
			}
			r.logger.Error().Err(err).Str("dst", m.user.ID).Msg("failed to deliver")
			continue
		}
		sent++
	}
	if sent == 0 && len(members) > 0 {
		r.logger.Trace().Str("src", exclude).Msg("broadcast did not reach anyone")
	}
	return sent
}

func indexOf(members []member, userID string) int {
	for i, m := range members {
		if m.user.ID == userID {
			return i
		}
	}
	return -1
}
