// Package wire defines the relay's message envelope and its byte encoding.
// An Envelope is a unique id plus exactly one payload; payloads form a closed
// set, so a type switch over Payload is exhaustive within this package.
package wire

import (
	"github.com/google/uuid"
)

// Kind discriminates the payload carried by an Envelope
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPlayerState
	KindBulletState
	KindInput
	KindSnapshot
	KindOutOfSync
	KindDespawnPlayer
)

// String returns human-readable payload kind
func (k Kind) String() string {
	switch k {
	case KindPlayerState:
		return "player_state"
	case KindBulletState:
		return "bullet_state"
	case KindInput:
		return "input"
	case KindSnapshot:
		return "snapshot"
	case KindOutOfSync:
		return "out_of_sync"
	case KindDespawnPlayer:
		return "despawn_player"
	default:
		return "unknown"
	}
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Kind() Kind
	sealed()
}

// Envelope is the unit the relay deduplicates and forwards.
// ID is minted once where the event is created and is the only dedup key;
// it carries no ordering.
type Envelope struct {
	ID      string
	Payload Payload
}

// NewEnvelope wraps a payload with a freshly minted id
func NewEnvelope(p Payload) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Payload: p,
	}
}

// Kind returns the payload kind, KindUnknown for an empty envelope
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Vec2 is a 2D vector
type Vec2 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Vec3 is a 3D vector (Z is draw order in the arena)
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quat is a rotation quaternion
type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// Color is an RGB color in [0,1]
type Color struct {
	R float32 `json:"r"`
	G float32 `json:"g"`
	B float32 `json:"b"`
}

// PlayerState is a player's replicated state. Sent alone it is a spawn claim
// or a sync of one player; inside a Snapshot it is authoritative.
type PlayerState struct {
	ID       string  `json:"id"`
	ClientID string  `json:"clientId"`
	SpawnID  string  `json:"spawnId"`
	Radius   float32 `json:"radius"`
	Color    Color   `json:"color"`
	Position Vec3    `json:"position"`
	Velocity Vec2    `json:"velocity"`
}

// BulletState is a bullet's replicated state
type BulletState struct {
	ID       string `json:"id"`
	Position Vec3   `json:"position"`
	Rotation Quat   `json:"rotation"`
	Velocity Vec2   `json:"velocity"`
}

// Snapshot is the complete authoritative world at one instant.
// Player ids and bullet ids are separate namespaces.
type Snapshot struct {
	Timestamp uint64
	Players   []PlayerState
	Bullets   []BulletState
}

// OutOfSync asks peers for a full Snapshot
type OutOfSync struct{}

// DespawnPlayer removes a player everywhere
type DespawnPlayer struct {
	PlayerID string
}

// Input is a locally generated intent of ClientID's player
type Input struct {
	ClientID string
	Action   Action
}

func (PlayerState) Kind() Kind   { return KindPlayerState }
func (BulletState) Kind() Kind   { return KindBulletState }
func (Input) Kind() Kind         { return KindInput }
func (Snapshot) Kind() Kind      { return KindSnapshot }
func (OutOfSync) Kind() Kind     { return KindOutOfSync }
func (DespawnPlayer) Kind() Kind { return KindDespawnPlayer }

func (PlayerState) sealed()   {}
func (BulletState) sealed()   {}
func (Input) sealed()         {}
func (Snapshot) sealed()      {}
func (OutOfSync) sealed()     {}
func (DespawnPlayer) sealed() {}

// ActionType discriminates the action of an Input
type ActionType uint8

const (
	ActionUnknown ActionType = iota
	ActionSpawn
	ActionMoveLeft
	ActionMoveRight
	ActionJump
	ActionShoot
	ActionBlock
)

// String returns human-readable action type
func (a ActionType) String() string {
	switch a {
	case ActionSpawn:
		return "spawn"
	case ActionMoveLeft:
		return "move_left"
	case ActionMoveRight:
		return "move_right"
	case ActionJump:
		return "jump"
	case ActionShoot:
		return "shoot"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Action is implemented only by the action types in this package.
type Action interface {
	Type() ActionType
	sealedAction()
}

type (
	Spawn     struct{}
	MoveLeft  struct{}
	MoveRight struct{}
	Jump      struct{}
	Block     struct{}
	// Shoot fires along Aim, relative to the shooter
	Shoot struct {
		Aim Vec2
	}
)

func (Spawn) Type() ActionType     { return ActionSpawn }
func (MoveLeft) Type() ActionType  { return ActionMoveLeft }
func (MoveRight) Type() ActionType { return ActionMoveRight }
func (Jump) Type() ActionType      { return ActionJump }
func (Shoot) Type() ActionType     { return ActionShoot }
func (Block) Type() ActionType     { return ActionBlock }

func (Spawn) sealedAction()     {}
func (MoveLeft) sealedAction()  {}
func (MoveRight) sealedAction() {}
func (Jump) sealedAction()      {}
func (Shoot) sealedAction()     {}
func (Block) sealedAction()     {}

// ParseAction maps an action name (as returned by ActionType.String) to an Action.
// Shoot gets the provided aim.
func ParseAction(name string, aim Vec2) (Action, bool) {
	switch name {
	case "spawn":
		return Spawn{}, true
	case "move_left":
		return MoveLeft{}, true
	case "move_right":
		return MoveRight{}, true
	case "jump":
		return Jump{}, true
	case "shoot":
		return Shoot{Aim: aim}, true
	case "block":
		return Block{}, true
	}
	return nil, false
}
