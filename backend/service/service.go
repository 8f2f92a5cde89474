package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/jamhub-relay/backend/heartbeat"
	"github.com/adwski/jamhub-relay/backend/model"
	sw "github.com/adwski/jamhub-relay/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyRoomID = errors.New("empty room id")
	ErrJoin        = errors.New("unable to join room")
)

// barePing is the plain-text probe of the simplest relay clients.
// It is answered with itself.
var barePing = []byte("ping")

type (
	RoomStore interface {
		GetOrCreateRoom(roomID string) *sw.Room
	}

	Service struct {
		store    RoomStore
		clock    *heartbeat.Heartbeat
		logger   zerolog.Logger
		echoSelf bool
	}

	Config struct {
		RoomStore RoomStore
		Logger    *zerolog.Logger

		// Clock is used to turn client ping timestamps into latencies.
		Clock *heartbeat.Heartbeat

		// EchoSelf makes broadcasts include the sender.
		EchoSelf bool
	}
)

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = heartbeat.New(heartbeat.Config{})
	}
	return &Service{
		store:    cfg.RoomStore,
		clock:    clock,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		echoSelf: cfg.EchoSelf,
	}
}

// Join puts user into roomID. The user first gets its own identity,
// then peers are told about the join, then the user gets the room snapshot.
func (svc *Service) Join(ctx context.Context, roomID string, user model.User, ep sw.Endpoint) (*Session, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	room := svc.store.GetOrCreateRoom(roomID)
	s := &Session{
		logger: svc.logger.With().
			Str("roomID", roomID).
			Str("userID", user.ID).Logger(),
		room:     room,
		ep:       ep,
		clock:    svc.clock,
		user:     user,
		echoSelf: svc.echoSelf,
		once:     &sync.Once{},
		mx:       &sync.Mutex{},
	}

	userEv := model.NewUserEvent(model.EventTypeUser, user)
	if err := s.sendEvent(ctx, &userEv); err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	room.Add(ctx, user, ep)

	roomEv := model.NewRoomEvent(room.Info(user.ID))
	if err := s.sendEvent(ctx, &roomEv); err != nil {
		s.Leave(ctx)
		return nil, errors.Join(ErrJoin, err)
	}
	s.logger.Debug().Int("members", room.Len()).Msg("user joined room")
	return s, nil
}

// Session binds one connected user to its room and dispatches its events.
type Session struct {
	logger   zerolog.Logger
	room     *sw.Room
	ep       sw.Endpoint
	clock    *heartbeat.Heartbeat
	once     *sync.Once
	mx       *sync.Mutex
	user     model.User
	echoSelf bool
}

func (s *Session) User() model.User {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.user
}

func (s *Session) RoomID() string {
	return s.room.ID()
}

// Handle dispatches one inbound text frame. Bad frames are logged and dropped.
func (s *Session) Handle(ctx context.Context, data []byte) {
	if bytes.Equal(bytes.TrimSpace(data), barePing) {
		if err := s.ep.Send(ctx, barePing); err != nil {
			s.logger.Error().Err(err).Msg("failed to answer ping")
		}
		return
	}

	ev, err := model.DecodeEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping inbound event")
		return
	}
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("event", spew.Sdump(ev)).Msg("event decoded")
	}

	user := s.User()
	switch ev.Type {
	case model.EventTypePing:
		ping := model.NewPingEvent(user.ID, s.clock.Since(*ev.Value))
		if err = s.sendEvent(ctx, &ping); err != nil {
			s.logger.Error().Err(err).Msg("failed to answer ping")
		}

	case model.EventTypeMIDI, model.EventTypeSync:
		ev.UserID = user.ID
		s.broadcast(ctx, &ev)

	case model.EventTypeMute, model.EventTypeUnmute:
		s.mx.Lock()
		s.user.Mute = ev.Type == model.EventTypeMute
		user = s.user
		s.mx.Unlock()

		s.room.SetUser(user)
		out := model.NewUserEvent(ev.Type, user)
		s.broadcast(ctx, &out)

	case model.EventTypePong:
		s.logger.Trace().Int64("value", *ev.Value).Msg("pong ignored")
	}
}

// ReportLatency tells the user its measured round trip.
func (s *Session) ReportLatency(ctx context.Context, rtt time.Duration) {
	ping := model.NewPingEvent(s.User().ID, rtt.Milliseconds())
	if err := s.sendEvent(ctx, &ping); err != nil {
		s.logger.Error().Err(err).Msg("failed to report latency")
		return
	}
	s.logger.Trace().Dur("rtt", rtt).Msg("latency reported")
}

// Leave removes the user from its room. Safe to call more than once.
func (s *Session) Leave(ctx context.Context) {
	s.once.Do(func() {
		if s.room.Remove(ctx, s.user.ID) {
			s.logger.Debug().Int("members", s.room.Len()).Msg("user left room")
		}
	})
}

func (s *Session) broadcast(ctx context.Context, ev *model.Event) {
	b, err := ev.Encode()
	if err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}
	exclude := s.user.ID
	if s.echoSelf {
		exclude = ""
	}
	// an accepted event reaches every member even if the sender is leaving
	n := s.room.Broadcast(context.WithoutCancel(ctx), b, exclude)
	s.logger.Trace().Str("type", ev.Type).Int("delivered", n).Msg("event broadcast")
}

func (s *Session) sendEvent(ctx context.Context, ev *model.Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.ep.Send(ctx, b)
}
