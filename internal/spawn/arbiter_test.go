package spawn

import (
	"testing"

	"arena-relay/internal/config"
	"arena-relay/internal/wire"
)

func claimOn(id, slot string) wire.PlayerState {
	return wire.PlayerState{ID: id, ClientID: "owner-" + id, SpawnID: slot}
}

// TestWinner verifies the lower id keeps the slot regardless of argument order
func TestWinner(t *testing.T) {
	if Winner("a", "b") != "a" || Winner("b", "a") != "a" {
		t.Error("Expected lower id to win")
	}
}

// TestCollisionDeterminism verifies every arrival order converges on the lower id
func TestCollisionDeterminism(t *testing.T) {
	slots := config.DefaultSpawn().Slots
	low := claimOn("aaaa", "1")
	high := claimOn("bbbb", "1")

	orders := []struct {
		name  string
		first wire.PlayerState
		next  wire.PlayerState
	}{
		{"low first", low, high},
		{"high first", high, low},
	}

	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArbiter("observer", slots)

			if v := a.Observe(tt.first); !v.Accept || v.Loser != "" {
				t.Fatalf("First claim should be accepted cleanly, got %+v", v)
			}
			v := a.Observe(tt.next)
			if v.Loser != high.ID {
				t.Errorf("Expected %s to lose, got %+v", high.ID, v)
			}
			if v.Accept != (tt.next.ID == low.ID) {
				t.Errorf("Unexpected accept %v for %s", v.Accept, tt.next.ID)
			}
			if v.Reclaim {
				t.Error("An observer has nothing to reclaim")
			}

			if got, _ := a.Occupant("1"); got != low.ID {
				t.Errorf("Expected slot held by %s, got %s", low.ID, got)
			}
		})
	}
}

// TestLocalLoserReclaims verifies a displaced local player claims another slot
func TestLocalLoserReclaims(t *testing.T) {
	a := NewArbiter("me", config.DefaultSpawn().Slots)

	mine, ok := a.Claim()
	if !ok || mine.SpawnID != "1" {
		t.Fatalf("Expected claim of slot 1, got %+v %v", mine, ok)
	}

	// A rival claim on the same slot with an id that always sorts lower
	rival := claimOn("-", "1")
	v := a.Observe(rival)
	if !v.Accept || v.Loser != mine.ID || !v.Reclaim {
		t.Fatalf("Expected local player to lose and reclaim, got %+v", v)
	}
	if _, ok := a.Local(); ok {
		t.Error("Local player should be cleared after losing")
	}

	again, ok := a.Claim()
	if !ok {
		t.Fatal("Expected a second claim to succeed")
	}
	if again.SpawnID == "1" {
		t.Error("Reclaim should pick a different slot")
	}
	if again.ID == mine.ID {
		t.Error("Reclaim should mint a new player id")
	}
}

// TestLocalWinnerKeepsSlot verifies a higher rival does not displace us
func TestLocalWinnerKeepsSlot(t *testing.T) {
	a := NewArbiter("me", config.DefaultSpawn().Slots)
	mine, _ := a.Claim()

	rival := claimOn(mine.ID+"z", mine.SpawnID)
	v := a.Observe(rival)

	if v.Accept || v.Loser != rival.ID || v.Reclaim {
		t.Errorf("Expected rival rejected, got %+v", v)
	}
	if id, _ := a.Local(); id != mine.ID {
		t.Errorf("Expected local player %s, got %s", mine.ID, id)
	}
}

// TestClaimAllSlots verifies claims stop when the arena is full
func TestClaimAllSlots(t *testing.T) {
	slots := config.DefaultSpawn().Slots
	a := NewArbiter("me", slots)
	for _, s := range slots {
		a.Observe(claimOn("p"+s.ID, s.ID))
	}

	if _, ok := a.Claim(); ok {
		t.Error("Expected no free slot")
	}

	a.Release("p2")
	p, ok := a.Claim()
	if !ok || p.SpawnID != "2" {
		t.Errorf("Expected released slot 2 to be claimed, got %+v %v", p, ok)
	}
}

// TestObserveSameClaimTwice verifies a repeated claim is not a collision
func TestObserveSameClaimTwice(t *testing.T) {
	a := NewArbiter("me", config.DefaultSpawn().Slots)
	p := claimOn("x", "3")
	a.Observe(p)
	if v := a.Observe(p); !v.Accept || v.Loser != "" {
		t.Errorf("Expected repeat to be accepted, got %+v", v)
	}
}
