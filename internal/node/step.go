package node

import (
	"time"

	"go.uber.org/zap"

	"arena-relay/internal/spawn"
	"arena-relay/internal/wire"
)

// Step runs one tick of game logic over envs and returns the envelopes to
// relay. The newest snapshot is applied first as the base; everything else
// is applied on top of it in arrival order. Removals are torn down last.
func (n *Node) Step(envs []wire.Envelope) []wire.Envelope {
	n.stats.Ticks++

	var (
		out          []wire.Envelope
		snaps        []wire.Snapshot
		wantSnapshot bool
		outOfSync    bool
		wantSpawn    bool
	)

	// Local actions become inputs of our own client
	for done := false; !done; {
		select {
		case a := <-n.actions:
			out = append(out, wire.NewEnvelope(wire.Input{ClientID: n.cfg.ClientID, Action: a}))
		default:
			done = true
		}
	}

	for _, env := range envs {
		if s, ok := env.Payload.(wire.Snapshot); ok && !n.cfg.Game.Authoritative {
			snaps = append(snaps, s)
		}
	}
	if len(snaps) > 0 {
		out = n.applySnapshots(snaps, out, &wantSpawn)
	}

	for _, env := range envs {
		switch p := env.Payload.(type) {
		case wire.PlayerState:
			v := n.arbiter.Observe(p)
			out = n.settle(v, out, &wantSpawn)
			if v.Accept {
				n.world.ApplyPlayer(p)
			}

		case wire.BulletState:
			n.world.ApplyBullet(p)

		case wire.DespawnPlayer:
			n.world.Despawn(p.PlayerID)
			n.arbiter.Release(p.PlayerID)

		case wire.OutOfSync:
			wantSnapshot = true

		case wire.Input:
			if _, ok := p.Action.(wire.Spawn); ok && p.ClientID == n.cfg.ClientID {
				wantSpawn = true
				continue
			}
			if !n.world.ApplyIntent(env.ID, p) {
				n.log.Debug("Intent for unknown player", zap.String("owner", p.ClientID))
				outOfSync = true
			}
		}
	}

	if wantSpawn || n.cfg.Game.AutoSpawn {
		out = n.ensureLocalPlayer(out)
	}

	if outOfSync {
		n.stats.OutOfSyncSent++
		out = append(out, wire.NewEnvelope(wire.OutOfSync{}))
	}

	if n.cfg.Game.Authoritative {
		now := n.now()
		due := n.cfg.Game.SnapshotInterval > 0 && now.Sub(n.lastSnapshot) >= n.cfg.Game.SnapshotInterval
		if wantSnapshot || due {
			n.lastSnapshot = now
			n.stats.SnapshotsSent++
			out = append(out, wire.NewEnvelope(n.world.Snapshot(n.stamp(now))))
		}
	}

	removed := n.world.Sweep()
	for _, id := range removed.Players {
		n.arbiter.Release(id)
	}

	n.publish()
	return out
}

// applySnapshots applies the newest snapshot and runs slot arbitration over
// the players it materialized
func (n *Node) applySnapshots(snaps []wire.Snapshot, out []wire.Envelope, wantSpawn *bool) []wire.Envelope {
	diff, ok := n.world.Tick(snaps)
	if !ok {
		n.stats.SnapshotsStale++
		return out
	}
	n.stats.SnapshotsApplied++
	if diff.Players.Empty() && diff.Bullets.Empty() {
		n.log.Debug("Snapshot changed nothing", zap.Uint64("timestamp", diff.Timestamp))
	}

	for _, ids := range [][]string{diff.Players.Created, diff.Players.Updated} {
		for _, id := range ids {
			p, ok := n.world.Player(id)
			if !ok {
				continue
			}
			out = n.settle(n.arbiter.Observe(p.State()), out, wantSpawn)
		}
	}
	for _, id := range diff.Players.Removed {
		n.arbiter.Release(id)
	}
	return out
}

// settle acts on a collision verdict. The loser is removed here so every
// peer converges on the same occupant; if it was our own player we also
// tell everyone and claim another slot.
func (n *Node) settle(v spawn.Verdict, out []wire.Envelope, wantSpawn *bool) []wire.Envelope {
	if v.Loser == "" {
		return out
	}
	n.stats.Collisions++
	n.world.Despawn(v.Loser)

	if !v.Reclaim {
		n.log.Debug("Spawn collision", zap.String("loser", v.Loser))
		return out
	}

	n.log.Info("Local player lost its slot, respawning", zap.String("player", v.Loser))
	*wantSpawn = true
	return append(out, wire.NewEnvelope(wire.DespawnPlayer{PlayerID: v.Loser}))
}

// ensureLocalPlayer claims a slot when this node has no player yet
func (n *Node) ensureLocalPlayer(out []wire.Envelope) []wire.Envelope {
	if _, ok := n.arbiter.Local(); ok {
		return out
	}

	p, ok := n.arbiter.Claim()
	if !ok {
		n.log.Debug("No free spawn slot")
		return out
	}

	n.world.SpeculatePlayer(p)
	n.log.Info("Claimed spawn slot", zap.String("player", p.ID), zap.String("slot", p.SpawnID))
	return append(out, wire.NewEnvelope(p))
}

// stamp returns a snapshot timestamp in Unix milliseconds, strictly greater
// than the previous one
func (n *Node) stamp(now time.Time) uint64 {
	ts := uint64(now.UnixMilli())
	if ts <= n.lastStamp {
		ts = n.lastStamp + 1
	}
	n.lastStamp = ts
	return ts
}
