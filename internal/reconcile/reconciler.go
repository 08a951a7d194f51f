// Package reconcile keeps a peer's local entity set in step with the
// authoritative snapshots relayed over the bus.
//
// The Reconciler is the only owner of the entity set and is not safe for
// concurrent use; the hosting tick loop drives it.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"arena-relay/internal/config"
	"arena-relay/internal/wire"
)

// Changes lists the ids touched in one id space by one operation
type Changes struct {
	Created []string `json:"created,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"` // marked; torn down by Sweep
}

// Empty reports whether nothing changed
func (c Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Diff is the result of applying one snapshot
type Diff struct {
	Timestamp uint64  `json:"timestamp"`
	Players   Changes `json:"players"`
	Bullets   Changes `json:"bullets"`
}

// Removed lists the entities torn down by Sweep
type Removed struct {
	Players []string
	Bullets []string
}

// View is a copy of the live entity set, ordered by id
type View struct {
	Timestamp uint64             `json:"timestamp"`
	Players   []wire.PlayerState `json:"players"`
	Bullets   []wire.BulletState `json:"bullets"`
}

// Reconciler materializes the world as two arenas of owned entities
type Reconciler struct {
	cfg config.GameConfig

	players space[Player]
	bullets space[Bullet]

	// Despawned player ids; blocks late single syncs from resurrecting them
	dead *simplelru.LRU[string, struct{}]

	lastTimestamp uint64
	applied       bool
}

// New creates an empty reconciler
func New(cfg config.GameConfig) (*Reconciler, error) {
	dead, err := simplelru.NewLRU[string, struct{}](max(cfg.TombstoneCapacity, 1), nil)
	if err != nil {
		return nil, fmt.Errorf("tombstones: %w", err)
	}

	return &Reconciler{
		cfg:     cfg,
		players: newSpace[Player](),
		bullets: newSpace[Bullet](),
		dead:    dead,
	}, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Latest picks the snapshot to apply this tick: highest timestamp wins,
// and among equal timestamps the first seen is kept.
func Latest(snaps []wire.Snapshot) (wire.Snapshot, bool) {
	if len(snaps) == 0 {
		return wire.Snapshot{}, false
	}
	best := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp > best.Timestamp {
			best = s
		}
	}
	return best, true
}

// Tick applies the newest of the snapshots that arrived this tick; the
// rest are discarded. It reports false when nothing was applied.
func (r *Reconciler) Tick(snaps []wire.Snapshot) (Diff, bool) {
	snap, ok := Latest(snaps)
	if !ok {
		return Diff{}, false
	}
	if len(snaps) > 1 {
		snapshotsTotal.WithLabelValues("superseded").Add(float64(len(snaps) - 1))
	}
	return r.Apply(snap)
}

// Apply diffs snap against the local entity set. Entities present in both
// are overwritten in place, entities only in snap are created and entities
// only held locally are marked for removal. A snapshot not newer than the
// last applied one is rejected and changes nothing.
func (r *Reconciler) Apply(snap wire.Snapshot) (Diff, bool) {
	if r.applied && snap.Timestamp <= r.lastTimestamp {
		snapshotsTotal.WithLabelValues("stale").Inc()
		return Diff{}, false
	}
	r.applied = true
	r.lastTimestamp = snap.Timestamp

	diff := Diff{
		Timestamp: snap.Timestamp,
		Players: reconcileSpace(r.players, snap.Players,
			func(s wire.PlayerState) string { return s.ID },
			playerFrom, (*Player).overwrite, r.isDead),
		Bullets: reconcileSpace(r.bullets, snap.Bullets,
			func(s wire.BulletState) string { return s.ID },
			bulletFrom, (*Bullet).overwrite, nil),
	}

	snapshotsTotal.WithLabelValues("applied").Inc()
	r.updateGauges()
	return diff, true
}

// reconcileSpace applies one id space of a snapshot
func reconcileSpace[T, S any](
	sp space[T],
	states []S,
	idOf func(S) string,
	create func(S) T,
	update func(*T, S),
	skip func(string) bool,
) Changes {
	var ch Changes
	working := sp.live()

	for _, s := range states {
		id := idOf(s)
		if skip != nil && skip(id) {
			continue
		}
		delete(working, id)

		if e, ok := sp.items[id]; ok {
			update(&e.value, s)
			e.pending = false
			e.despawn = false
			ch.Updated = append(ch.Updated, id)
			continue
		}
		sp.items[id] = &entry[T]{value: create(s)}
		ch.Created = append(ch.Created, id)
	}

	for id := range working {
		e := sp.items[id]
		if e.pending && e.grace > 0 {
			e.grace--
			continue
		}
		e.despawn = true
		ch.Removed = append(ch.Removed, id)
	}
	sort.Strings(ch.Removed)

	return ch
}

// Sweep tears down every entity marked for removal. It runs as its own pass
// after all creates and updates of the tick.
func (r *Reconciler) Sweep() Removed {
	removed := Removed{
		Players: r.players.sweep(),
		Bullets: r.bullets.sweep(),
	}
	r.updateGauges()
	return removed
}

// LastTimestamp returns the timestamp of the last applied snapshot
func (r *Reconciler) LastTimestamp() (uint64, bool) {
	return r.lastTimestamp, r.applied
}

// =============================================================================
// SINGLE ENTITY SYNC
// =============================================================================

// SpeculatePlayer creates a local player ahead of any confirmation. It
// survives PendingGraceSnapshots applied snapshots that do not mention it.
func (r *Reconciler) SpeculatePlayer(s wire.PlayerState) bool {
	return r.upsertPlayer(s)
}

// SpeculateBullet creates a local bullet ahead of any confirmation
func (r *Reconciler) SpeculateBullet(s wire.BulletState) bool {
	return r.upsertBullet(s)
}

// ApplyPlayer applies a relayed single-player sync. A tombstoned id is
// ignored and false is returned.
func (r *Reconciler) ApplyPlayer(s wire.PlayerState) bool {
	return r.upsertPlayer(s)
}

// ApplyBullet applies a relayed single-bullet sync
func (r *Reconciler) ApplyBullet(s wire.BulletState) bool {
	return r.upsertBullet(s)
}

func (r *Reconciler) upsertPlayer(s wire.PlayerState) bool {
	if r.isDead(s.ID) {
		return false
	}
	if e, ok := r.players.items[s.ID]; ok && !e.despawn {
		e.value.overwrite(s)
		return true
	}
	r.players.items[s.ID] = &entry[Player]{value: playerFrom(s), pending: true, grace: r.cfg.PendingGraceSnapshots}
	r.updateGauges()
	return true
}

func (r *Reconciler) upsertBullet(s wire.BulletState) bool {
	if e, ok := r.bullets.items[s.ID]; ok && !e.despawn {
		e.value.overwrite(s)
		return true
	}
	r.bullets.items[s.ID] = &entry[Bullet]{value: bulletFrom(s), pending: true, grace: r.cfg.PendingGraceSnapshots}
	r.updateGauges()
	return true
}

// Despawn marks a player for removal and remembers its id so later syncs
// cannot bring it back. It reports whether the player was live.
func (r *Reconciler) Despawn(playerID string) bool {
	r.dead.Add(playerID, struct{}{})

	e, ok := r.players.items[playerID]
	if !ok || e.despawn {
		return false
	}
	e.despawn = true
	return true
}

func (r *Reconciler) isDead(id string) bool {
	return r.dead.Contains(id)
}

// =============================================================================
// QUERIES
// =============================================================================

// Player returns a live player by id
func (r *Reconciler) Player(id string) (Player, bool) {
	e, ok := r.players.items[id]
	if !ok || e.despawn {
		return Player{}, false
	}
	return e.value, true
}

// Bullet returns a live bullet by id
func (r *Reconciler) Bullet(id string) (Bullet, bool) {
	e, ok := r.bullets.items[id]
	if !ok || e.despawn {
		return Bullet{}, false
	}
	return e.value, true
}

// View returns a copy of the live entity set
func (r *Reconciler) View() View {
	players := r.players.values()
	bullets := r.bullets.values()

	v := View{
		Timestamp: r.lastTimestamp,
		Players:   make([]wire.PlayerState, len(players)),
		Bullets:   make([]wire.BulletState, len(bullets)),
	}
	for i, p := range players {
		v.Players[i] = p.State()
	}
	for i, b := range bullets {
		v.Bullets[i] = b.State()
	}
	return v
}

// Snapshot returns the live entity set as a snapshot stamped with ts
func (r *Reconciler) Snapshot(ts uint64) wire.Snapshot {
	v := r.View()
	return wire.Snapshot{
		Timestamp: ts,
		Players:   v.Players,
		Bullets:   v.Bullets,
	}
}

func (r *Reconciler) updateGauges() {
	entitiesGauge.WithLabelValues("players").Set(float64(r.players.count()))
	entitiesGauge.WithLabelValues("bullets").Set(float64(r.bullets.count()))
}
