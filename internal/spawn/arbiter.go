// Package spawn resolves competing claims on spawn slots without a leader.
//
// Two peers may each claim the same free slot before seeing the other's
// claim. Every peer applies the same rule to the claims it sees: the player
// whose id sorts lower keeps the slot. The loser's owner despawns its player
// and claims another slot.
package spawn

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"arena-relay/internal/config"
	"arena-relay/internal/wire"
)

var collisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spawn_collisions_total",
	Help: "Spawn slot claims that collided with another player",
})

// Winner returns the id that keeps a contested slot
func Winner(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// Verdict is the outcome of observing one player claim
type Verdict struct {
	// Accept is false when the observed player lost its slot and must not
	// be materialized
	Accept bool
	// Loser is the id that lost a collision, empty when there was none
	Loser string
	// Reclaim is set when the loser is this peer's own player: despawn it
	// and Claim again
	Reclaim bool
}

// Arbiter tracks slot occupancy as seen by one peer. It is not safe for
// concurrent use.
type Arbiter struct {
	clientID string
	slots    []config.Slot
	occupant map[string]string // spawn id -> player id
	local    string
}

// NewArbiter creates an arbiter for the player owned by clientID
func NewArbiter(clientID string, slots []config.Slot) *Arbiter {
	return &Arbiter{
		clientID: clientID,
		slots:    slots,
		occupant: make(map[string]string),
	}
}

// Claim picks the first free slot, mints a player for it and records it as
// this peer's own. It returns false when every slot is occupied.
func (a *Arbiter) Claim() (wire.PlayerState, bool) {
	for _, s := range a.slots {
		if _, taken := a.occupant[s.ID]; taken {
			continue
		}

		p := wire.PlayerState{
			ID:       uuid.NewString(),
			ClientID: a.clientID,
			SpawnID:  s.ID,
			Radius:   s.Radius,
			Color:    wire.Color{R: s.R, G: s.G, B: s.B},
			Position: wire.Vec3{X: s.X, Y: s.Y},
		}
		a.occupant[s.ID] = p.ID
		a.local = p.ID
		return p, true
	}
	return wire.PlayerState{}, false
}

// Observe applies the lowest-id-wins rule to a player claim seen on the bus
func (a *Arbiter) Observe(p wire.PlayerState) Verdict {
	current, taken := a.occupant[p.SpawnID]
	if !taken || current == p.ID {
		a.occupant[p.SpawnID] = p.ID
		return Verdict{Accept: true}
	}

	collisionsTotal.Inc()
	loser := p.ID
	if Winner(current, p.ID) == p.ID {
		loser = current
		a.occupant[p.SpawnID] = p.ID
	}

	v := Verdict{Accept: loser != p.ID, Loser: loser}
	if loser == a.local {
		a.local = ""
		v.Reclaim = true
	}
	return v
}

// Release frees whatever slot playerID holds
func (a *Arbiter) Release(playerID string) {
	for slot, id := range a.occupant {
		if id == playerID {
			delete(a.occupant, slot)
		}
	}
	if a.local == playerID {
		a.local = ""
	}
}

// Local returns this peer's own player id
func (a *Arbiter) Local() (string, bool) {
	return a.local, a.local != ""
}

// Occupant returns the player holding a slot
func (a *Arbiter) Occupant(spawnID string) (string, bool) {
	id, ok := a.occupant[spawnID]
	return id, ok
}
