package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. The layout is protobuf-compatible so a frame can be read by
// any protobuf decoder given the matching schema.
const (
	envelopeID            protowire.Number = 1
	envelopePlayer        protowire.Number = 2
	envelopeBullet        protowire.Number = 3
	envelopeInput         protowire.Number = 4
	envelopeSnapshot      protowire.Number = 5
	envelopeOutOfSync     protowire.Number = 6
	envelopeDespawnPlayer protowire.Number = 7

	playerID       protowire.Number = 1
	playerClientID protowire.Number = 2
	playerSpawnID  protowire.Number = 3
	playerRadius   protowire.Number = 4
	playerColor    protowire.Number = 5
	playerPosition protowire.Number = 6
	playerVelocity protowire.Number = 7

	bulletID       protowire.Number = 1
	bulletPosition protowire.Number = 2
	bulletRotation protowire.Number = 3
	bulletVelocity protowire.Number = 4

	snapshotTimestamp protowire.Number = 1
	snapshotPlayers   protowire.Number = 2
	snapshotBullets   protowire.Number = 3

	despawnPlayerID protowire.Number = 1

	inputClientID  protowire.Number = 1
	inputSpawn     protowire.Number = 2
	inputMoveLeft  protowire.Number = 3
	inputMoveRight protowire.Number = 4
	inputJump      protowire.Number = 5
	inputShoot     protowire.Number = 6
	inputBlock     protowire.Number = 7

	shootAim protowire.Number = 1
)

// Marshal encodes an envelope body (without the frame length prefix)
func Marshal(env Envelope) ([]byte, error) {
	return AppendEnvelope(nil, env)
}

// AppendEnvelope appends the encoded envelope body to b
func AppendEnvelope(b []byte, env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return b, ErrEmptyEnvelope
	}
	if env.ID == "" {
		return b, &MissingFieldError{MessageName: "Envelope", FieldName: "id"}
	}

	b = appendString(b, envelopeID, env.ID)

	switch p := env.Payload.(type) {
	case PlayerState:
		b = appendMessage(b, envelopePlayer, appendPlayer(nil, p))
	case BulletState:
		b = appendMessage(b, envelopeBullet, appendBullet(nil, p))
	case Input:
		body, err := appendInput(nil, p)
		if err != nil {
			return b, err
		}
		b = appendMessage(b, envelopeInput, body)
	case Snapshot:
		b = appendMessage(b, envelopeSnapshot, appendSnapshot(nil, p))
	case OutOfSync:
		b = appendMessage(b, envelopeOutOfSync, nil)
	case DespawnPlayer:
		b = appendMessage(b, envelopeDespawnPlayer, appendString(nil, despawnPlayerID, p.PlayerID))
	default:
		return b, fmt.Errorf("marshal: unsupported payload %T", env.Payload)
	}

	return b, nil
}

// Unmarshal decodes an envelope body. An envelope with no recognised payload
// is an error: the caller cannot act on it.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope

	err := eachField("Envelope", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == envelopeID && typ == protowire.BytesType {
			return consumeString("Envelope", num, b, &env.ID)
		}
		if typ != protowire.BytesType || num < envelopePlayer || num > envelopeDespawnPlayer {
			return 0, nil
		}

		body, n, err := consumeBytes("Envelope", num, b)
		if err != nil {
			return 0, err
		}

		switch num {
		case envelopePlayer:
			p, err := decodePlayer(body)
			if err != nil {
				return 0, err
			}
			env.Payload = p
		case envelopeBullet:
			bs, err := decodeBullet(body)
			if err != nil {
				return 0, err
			}
			env.Payload = bs
		case envelopeInput:
			in, err := decodeInput(body)
			if err != nil {
				return 0, err
			}
			env.Payload = in
		case envelopeSnapshot:
			s, err := decodeSnapshot(body)
			if err != nil {
				return 0, err
			}
			env.Payload = s
		case envelopeOutOfSync:
			env.Payload = OutOfSync{}
		case envelopeDespawnPlayer:
			var d DespawnPlayer
			err := eachField("DespawnPlayer", body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == despawnPlayerID && typ == protowire.BytesType {
					return consumeString("DespawnPlayer", num, b, &d.PlayerID)
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			env.Payload = d
		}
		return n, nil
	})
	if err != nil {
		return Envelope{}, err
	}

	if env.ID == "" {
		return Envelope{}, &MissingFieldError{MessageName: "Envelope", FieldName: "id"}
	}
	if env.Payload == nil {
		return Envelope{}, &UnknownPayloadError{MessageName: "Envelope"}
	}
	return env, nil
}

// =============================================================================
// ENCODING
// =============================================================================

func appendPlayer(b []byte, p PlayerState) []byte {
	b = appendString(b, playerID, p.ID)
	b = appendString(b, playerClientID, p.ClientID)
	b = appendString(b, playerSpawnID, p.SpawnID)
	b = appendFloat(b, playerRadius, p.Radius)
	b = appendMessage(b, playerColor, appendFloats(nil, p.Color.R, p.Color.G, p.Color.B))
	b = appendMessage(b, playerPosition, appendFloats(nil, p.Position.X, p.Position.Y, p.Position.Z))
	b = appendMessage(b, playerVelocity, appendFloats(nil, p.Velocity.X, p.Velocity.Y))
	return b
}

func appendBullet(b []byte, bs BulletState) []byte {
	b = appendString(b, bulletID, bs.ID)
	b = appendMessage(b, bulletPosition, appendFloats(nil, bs.Position.X, bs.Position.Y, bs.Position.Z))
	b = appendMessage(b, bulletRotation, appendFloats(nil, bs.Rotation.X, bs.Rotation.Y, bs.Rotation.Z, bs.Rotation.W))
	b = appendMessage(b, bulletVelocity, appendFloats(nil, bs.Velocity.X, bs.Velocity.Y))
	return b
}

func appendSnapshot(b []byte, s Snapshot) []byte {
	if s.Timestamp != 0 {
		b = protowire.AppendTag(b, snapshotTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, s.Timestamp)
	}
	for _, p := range s.Players {
		b = appendMessage(b, snapshotPlayers, appendPlayer(nil, p))
	}
	for _, bs := range s.Bullets {
		b = appendMessage(b, snapshotBullets, appendBullet(nil, bs))
	}
	return b
}

func appendInput(b []byte, in Input) ([]byte, error) {
	b = appendString(b, inputClientID, in.ClientID)

	switch a := in.Action.(type) {
	case Spawn:
		b = appendMessage(b, inputSpawn, nil)
	case MoveLeft:
		b = appendMessage(b, inputMoveLeft, nil)
	case MoveRight:
		b = appendMessage(b, inputMoveRight, nil)
	case Jump:
		b = appendMessage(b, inputJump, nil)
	case Shoot:
		b = appendMessage(b, inputShoot, appendMessage(nil, shootAim, appendFloats(nil, a.Aim.X, a.Aim.Y)))
	case Block:
		b = appendMessage(b, inputBlock, nil)
	case nil:
		return b, &MissingFieldError{MessageName: "Input", FieldName: "action"}
	default:
		return b, fmt.Errorf("marshal: unsupported action %T", in.Action)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// appendFloats encodes vs as fields 1..len(vs) (Vec2/Vec3/Quat/Color layout)
func appendFloats(b []byte, vs ...float32) []byte {
	for i, v := range vs {
		b = appendFloat(b, protowire.Number(i+1), v)
	}
	return b
}

// =============================================================================
// DECODING
// =============================================================================

// eachField walks the fields of one message. fn returns how many bytes it
// consumed; 0 means the field is not one it knows and it is skipped.
func eachField(name string, b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &MalformedError{MessageName: name, Err: protowire.ParseError(n)}
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return &MalformedError{MessageName: name, Field: num, Err: protowire.ParseError(m)}
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(name string, num protowire.Number, b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, &MalformedError{MessageName: name, Field: num, Err: protowire.ParseError(n)}
	}
	return v, n, nil
}

func consumeString(name string, num protowire.Number, b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, &MalformedError{MessageName: name, Field: num, Err: protowire.ParseError(n)}
	}
	*dst = v
	return n, nil
}

func consumeFloat(name string, num protowire.Number, b []byte, dst *float32) (int, error) {
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, &MalformedError{MessageName: name, Field: num, Err: protowire.ParseError(n)}
	}
	*dst = math.Float32frombits(v)
	return n, nil
}

// decodeFloats fills dsts from fields 1..len(dsts)
func decodeFloats(name string, b []byte, dsts ...*float32) error {
	return eachField(name, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.Fixed32Type || num < 1 || int(num) > len(dsts) {
			return 0, nil
		}
		return consumeFloat(name, num, b, dsts[num-1])
	})
}

func decodePlayer(b []byte) (PlayerState, error) {
	const name = "PlayerState"
	var p PlayerState

	err := eachField(name, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == playerID && typ == protowire.BytesType:
			return consumeString(name, num, b, &p.ID)
		case num == playerClientID && typ == protowire.BytesType:
			return consumeString(name, num, b, &p.ClientID)
		case num == playerSpawnID && typ == protowire.BytesType:
			return consumeString(name, num, b, &p.SpawnID)
		case num == playerRadius && typ == protowire.Fixed32Type:
			return consumeFloat(name, num, b, &p.Radius)
		case typ == protowire.BytesType && (num == playerColor || num == playerPosition || num == playerVelocity):
			body, n, err := consumeBytes(name, num, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case playerColor:
				err = decodeFloats("Color", body, &p.Color.R, &p.Color.G, &p.Color.B)
			case playerPosition:
				err = decodeFloats("Vec3", body, &p.Position.X, &p.Position.Y, &p.Position.Z)
			case playerVelocity:
				err = decodeFloats("Vec2", body, &p.Velocity.X, &p.Velocity.Y)
			}
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return PlayerState{}, err
	}
	if p.ID == "" {
		return PlayerState{}, &MissingFieldError{MessageName: name, FieldName: "id"}
	}
	return p, nil
}

func decodeBullet(b []byte) (BulletState, error) {
	const name = "BulletState"
	var bs BulletState

	err := eachField(name, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		if num == bulletID {
			return consumeString(name, num, b, &bs.ID)
		}
		if num != bulletPosition && num != bulletRotation && num != bulletVelocity {
			return 0, nil
		}

		body, n, err := consumeBytes(name, num, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case bulletPosition:
			err = decodeFloats("Vec3", body, &bs.Position.X, &bs.Position.Y, &bs.Position.Z)
		case bulletRotation:
			err = decodeFloats("Quat", body, &bs.Rotation.X, &bs.Rotation.Y, &bs.Rotation.Z, &bs.Rotation.W)
		case bulletVelocity:
			err = decodeFloats("Vec2", body, &bs.Velocity.X, &bs.Velocity.Y)
		}
		return n, err
	})
	if err != nil {
		return BulletState{}, err
	}
	if bs.ID == "" {
		return BulletState{}, &MissingFieldError{MessageName: name, FieldName: "id"}
	}
	return bs, nil
}

func decodeSnapshot(b []byte) (Snapshot, error) {
	const name = "Snapshot"
	var s Snapshot

	err := eachField(name, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == snapshotTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, &MalformedError{MessageName: name, Field: num, Err: protowire.ParseError(n)}
			}
			s.Timestamp = v
			return n, nil
		case num == snapshotPlayers && typ == protowire.BytesType:
			body, n, err := consumeBytes(name, num, b)
			if err != nil {
				return 0, err
			}
			p, err := decodePlayer(body)
			if err != nil {
				return 0, err
			}
			s.Players = append(s.Players, p)
			return n, nil
		case num == snapshotBullets && typ == protowire.BytesType:
			body, n, err := consumeBytes(name, num, b)
			if err != nil {
				return 0, err
			}
			bs, err := decodeBullet(body)
			if err != nil {
				return 0, err
			}
			s.Bullets = append(s.Bullets, bs)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func decodeInput(b []byte) (Input, error) {
	const name = "Input"
	var in Input

	err := eachField(name, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		if num == inputClientID {
			return consumeString(name, num, b, &in.ClientID)
		}

		body, n, err := consumeBytes(name, num, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case inputSpawn:
			in.Action = Spawn{}
		case inputMoveLeft:
			in.Action = MoveLeft{}
		case inputMoveRight:
			in.Action = MoveRight{}
		case inputJump:
			in.Action = Jump{}
		case inputBlock:
			in.Action = Block{}
		case inputShoot:
			var s Shoot
			err := eachField("Shoot", body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != shootAim || typ != protowire.BytesType {
					return 0, nil
				}
				aim, n, err := consumeBytes("Shoot", num, b)
				if err != nil {
					return 0, err
				}
				return n, decodeFloats("Vec2", aim, &s.Aim.X, &s.Aim.Y)
			})
			if err != nil {
				return 0, err
			}
			in.Action = s
		}
		return n, nil
	})
	if err != nil {
		return Input{}, err
	}
	if in.Action == nil {
		return Input{}, &UnknownPayloadError{MessageName: name}
	}
	return in, nil
}
