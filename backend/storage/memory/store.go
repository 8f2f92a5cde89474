package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/jamhub-relay/backend/model"
	sw "github.com/adwski/jamhub-relay/backend/switch"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// MemStore is the process-wide room registry.
// Rooms are created lazily and never evicted.
type MemStore struct {
	logger     zerolog.Logger
	roomLogger *zerolog.Logger
	mx         *sync.Mutex
	db         map[string]*sw.Room
}

func NewMemStore(logger *zerolog.Logger) *MemStore {
	return &MemStore{
		logger:     logger.With().Str("component", "store").Logger(),
		roomLogger: logger,
		mx:         &sync.Mutex{},
		db:         make(map[string]*sw.Room),
	}
}

// GetOrCreateRoom returns the single room instance for roomID.
func (ms *MemStore) GetOrCreateRoom(roomID string) *sw.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = sw.NewRoom(sw.Config{
			Logger: ms.roomLogger,
			ID:     roomID,
		})
		ms.db[roomID] = room
		ms.logger.Debug().Str("roomID", roomID).Int("rooms", len(ms.db)).Msg("room created")
	}
	return room
}

func (ms *MemStore) GetRoom(roomID string) (*sw.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Stats returns rooms ordered by name together with the total online count.
func (ms *MemStore) Stats() model.Stats {
	ms.mx.Lock()
	rooms := make([]*sw.Room, 0, len(ms.db))
	for _, room := range ms.db {
		rooms = append(rooms, room)
	}
	ms.mx.Unlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ID() < rooms[j].ID()
	})

	stats := model.Stats{Rooms: make([]model.RoomInfo, 0, len(rooms))}
	for _, room := range rooms {
		info := room.Info("")
		stats.Online += info.Online
		stats.Rooms = append(stats.Rooms, info)
	}
	return stats
}
