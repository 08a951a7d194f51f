package reconcile

import (
	"math"

	"arena-relay/internal/wire"
)

// ApplyIntent applies an input to the live player owned by in.ClientID.
// id is the intent's envelope id; a Shoot uses it as the new bullet's id so
// every peer that applies the intent creates the same bullet.
// It returns false when the owner has no player here, which means this peer
// is out of sync. Spawn intents are left to spawn arbitration.
func (r *Reconciler) ApplyIntent(id string, in wire.Input) bool {
	if _, ok := in.Action.(wire.Spawn); ok {
		return true
	}

	e := r.playerEntryByClient(in.ClientID)
	if e == nil {
		return false
	}
	p := &e.value

	switch a := in.Action.(type) {
	case wire.MoveLeft:
		p.Velocity.X = -r.cfg.PlayerMoveSpeed
		p.Blocking = false
	case wire.MoveRight:
		p.Velocity.X = r.cfg.PlayerMoveSpeed
		p.Blocking = false
	case wire.Jump:
		p.Velocity.Y = r.cfg.JumpAmount
		p.Blocking = false
	case wire.Block:
		p.Blocking = true
	case wire.Shoot:
		p.Blocking = false
		r.SpeculateBullet(r.shot(id, *p, a.Aim))
	}
	return true
}

// shot places a bullet just outside the shooter along the aim so it does not
// start inside the shooter's collider
func (r *Reconciler) shot(id string, p Player, aim wire.Vec2) wire.BulletState {
	dir := normalize(aim)
	offset := p.Radius + r.cfg.BulletHalfLength + r.cfg.FudgeFactor
	half := math.Atan2(float64(dir.Y), float64(dir.X)) / 2

	return wire.BulletState{
		ID: id,
		Position: wire.Vec3{
			X: p.Position.X + dir.X*offset,
			Y: p.Position.Y + dir.Y*offset,
			Z: p.Position.Z,
		},
		Rotation: wire.Quat{Z: float32(math.Sin(half)), W: float32(math.Cos(half))},
		Velocity: wire.Vec2{X: dir.X * r.cfg.BulletSpeed, Y: dir.Y * r.cfg.BulletSpeed},
	}
}

// normalize returns the unit vector of v; a zero aim fires to the right
func normalize(v wire.Vec2) wire.Vec2 {
	l := math.Hypot(float64(v.X), float64(v.Y))
	if l < 1e-6 {
		return wire.Vec2{X: 1}
	}
	return wire.Vec2{X: float32(float64(v.X) / l), Y: float32(float64(v.Y) / l)}
}

// playerEntryByClient finds the live player of a client. Should a client
// briefly own two players, the lowest id is used.
func (r *Reconciler) playerEntryByClient(clientID string) *entry[Player] {
	var found *entry[Player]
	for id, e := range r.players.items {
		if e.despawn || e.value.ClientID != clientID {
			continue
		}
		if found == nil || id < found.value.ID {
			found = e
		}
	}
	return found
}
