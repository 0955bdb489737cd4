package core

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	name    domain.RoomName
	mu      sync.RWMutex
	members map[domain.ClientID]MemberSession
}

func NewRoomService(name domain.RoomName) RoomService {
	return &roomImpl{
		name:    name,
		members: make(map[domain.ClientID]MemberSession),
	}
}

func (r *roomImpl) Name() domain.RoomName { return r.name }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Has(id domain.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

func (r *roomImpl) MemberIDs() []domain.ClientID {
	r.mu.RLock()
	ids := slices.Collect(maps.Keys(r.members))
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (r *roomImpl) Members() map[domain.ClientID]MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.members)
}

func (r *roomImpl) AddMember(ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[ms.ID()] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("client_id", ms.ID().String()).Msg("member added")
}

func (r *roomImpl) RemoveMember(id domain.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("client_id", id.String()).Msg("member removed")
	return true
}
