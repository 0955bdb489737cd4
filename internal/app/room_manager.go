package app

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManager is the room membership directory.
// Rooms are created explicitly and live for the whole process.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[domain.RoomName]core.RoomService)}
}

// List returns every room name in lexical order.
func (m *RoomManager) List() []domain.RoomName {
	m.mu.RLock()
	names := slices.Collect(maps.Keys(m.rooms))
	m.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (m *RoomManager) Create(name domain.RoomName) error {
	if strings.TrimSpace(string(name)) == "" {
		return domain.ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[name]; ok {
		return fmt.Errorf("room %q: %w", name, domain.ErrAlreadyExists)
	}
	m.rooms[name] = core.NewRoomService(name)
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room created")
	return nil
}

func (m *RoomManager) Get(name domain.RoomName) (core.RoomService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[name]
	return room, ok
}

// Join adds (or overwrites) the membership of ms.ID() in room name.
func (m *RoomManager) Join(name domain.RoomName, ms core.MemberSession) error {
	room, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("room %q: %w", name, domain.ErrNoSuchRoom)
	}
	room.AddMember(ms)
	return nil
}

// Leave removes id from each named room, or from every room when none is named.
// Unknown room names are reported together; the remaining names are still processed.
func (m *RoomManager) Leave(id domain.ClientID, names ...domain.RoomName) error {
	if len(names) == 0 {
		names = m.List()
	}
	var errs []error
	for _, name := range names {
		room, ok := m.Get(name)
		if !ok {
			errs = append(errs, fmt.Errorf("room %q: %w", name, domain.ErrNoSuchRoom))
			continue
		}
		room.RemoveMember(id)
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("client_id", id.String()).Msg("partial leave")
		return err
	}
	return nil
}

// RoomsOf returns the rooms id belongs to, in lexical order.
func (m *RoomManager) RoomsOf(id domain.ClientID) []domain.RoomName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RoomName
	for name, room := range m.rooms {
		if room.Has(id) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Members lists the client ids in room name.
func (m *RoomManager) Members(name domain.RoomName) ([]domain.ClientID, error) {
	room, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("room %q: %w", name, domain.ErrNoSuchRoom)
	}
	return room.MemberIDs(), nil
}

// Neighbors is the de-duplicated union of the other members of every room id is in.
func (m *RoomManager) Neighbors(id domain.ClientID) map[domain.ClientID]core.MemberSession {
	m.mu.RLock()
	rooms := slices.Collect(maps.Values(m.rooms))
	m.mu.RUnlock()

	out := make(map[domain.ClientID]core.MemberSession)
	for _, room := range rooms {
		members := room.Members()
		if _, in := members[id]; !in {
			continue
		}
		for mid, ms := range members {
			if mid != id {
				out[mid] = ms
			}
		}
	}
	return out
}
