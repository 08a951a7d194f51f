package reconcile

import (
	"sort"

	"arena-relay/internal/wire"
)

// Player is the locally owned state of one player
type Player struct {
	ID       string
	ClientID string
	SpawnID  string
	Radius   float32
	Color    wire.Color
	Position wire.Vec3
	Velocity wire.Vec2
	Blocking bool
}

// Bullet is the locally owned state of one bullet
type Bullet struct {
	ID       string
	Position wire.Vec3
	Rotation wire.Quat
	Velocity wire.Vec2
}

func playerFrom(s wire.PlayerState) Player {
	return Player{
		ID:       s.ID,
		ClientID: s.ClientID,
		SpawnID:  s.SpawnID,
		Radius:   s.Radius,
		Color:    s.Color,
		Position: s.Position,
		Velocity: s.Velocity,
	}
}

// overwrite copies replicated fields, keeping local-only ones
func (p *Player) overwrite(s wire.PlayerState) {
	blocking := p.Blocking
	*p = playerFrom(s)
	p.Blocking = blocking
}

// State returns the replicated form of p
func (p Player) State() wire.PlayerState {
	return wire.PlayerState{
		ID:       p.ID,
		ClientID: p.ClientID,
		SpawnID:  p.SpawnID,
		Radius:   p.Radius,
		Color:    p.Color,
		Position: p.Position,
		Velocity: p.Velocity,
	}
}

func bulletFrom(s wire.BulletState) Bullet {
	return Bullet(s)
}

func (b *Bullet) overwrite(s wire.BulletState) {
	*b = bulletFrom(s)
}

// State returns the replicated form of b
func (b Bullet) State() wire.BulletState {
	return wire.BulletState(b)
}

// entry is one slot of a space: the entity plus its lifecycle flags
type entry[T any] struct {
	value T
	// pending entities were created locally or by a single sync and have
	// not yet appeared in an applied snapshot
	pending bool
	grace   int
	despawn bool
}

// space is an arena of entities keyed by id. Player and bullet ids live in
// separate spaces.
type space[T any] struct {
	items map[string]*entry[T]
}

func newSpace[T any]() space[T] {
	return space[T]{items: make(map[string]*entry[T])}
}

// live returns ids not marked for removal
func (s space[T]) live() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.items))
	for id, e := range s.items {
		if !e.despawn {
			ids[id] = struct{}{}
		}
	}
	return ids
}

func (s space[T]) count() int {
	n := 0
	for _, e := range s.items {
		if !e.despawn {
			n++
		}
	}
	return n
}

// sweep tears down every entity marked for removal
func (s space[T]) sweep() []string {
	var removed []string
	for id, e := range s.items {
		if e.despawn {
			delete(s.items, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// values returns live entities ordered by id
func (s space[T]) values() []T {
	ids := make([]string, 0, len(s.items))
	for id, e := range s.items {
		if !e.despawn {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = s.items[id].value
	}
	return out
}
