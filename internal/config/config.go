// Package config provides centralized configuration management.
// Every tunable is carried in an explicit struct and passed to the component
// that needs it; nothing reads ambient global state after Load.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// RELAY CONFIGURATION
// =============================================================================

// RelayConfig holds the message bus settings.
// ListenAddr and ConnectAddr are the only relay semantics; the rest are tunables.
type RelayConfig struct {
	ListenAddr    string        // Address to accept peers on (empty = don't listen)
	ConnectAddr   string        // Designated peer to dial on startup (empty = don't dial)
	DedupCapacity int           // Distinct message ids remembered for deduplication
	EventBuffer   int           // Bus input queue length
	LocalBuffer   int           // Bus -> application channel length
	DialAttempts  int           // Outbound connect attempts before giving up
	DialDelay     time.Duration // Delay between outbound connect attempts
}

// DefaultRelay returns the default relay configuration.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		ListenAddr:    "",
		ConnectAddr:   "",
		DedupCapacity: 100,
		EventBuffer:   64,
		LocalBuffer:   256,
		DialAttempts:  20,
		DialDelay:     500 * time.Millisecond,
	}
}

// RelayFromEnv returns relay configuration with environment variable overrides.
func RelayFromEnv() RelayConfig {
	cfg := DefaultRelay()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONNECT_ADDR"); v != "" {
		cfg.ConnectAddr = v
	}
	if n := getEnvInt("DEDUP_CAPACITY", 0); n > 0 {
		cfg.DedupCapacity = n
	}
	if n := getEnvInt("EVENT_BUFFER", 0); n > 0 {
		cfg.EventBuffer = n
	}
	if n := getEnvInt("LOCAL_BUFFER", 0); n > 0 {
		cfg.LocalBuffer = n
	}
	if n := getEnvInt("DIAL_ATTEMPTS", 0); n > 0 {
		cfg.DialAttempts = n
	}

	return cfg
}

// =============================================================================
// GAME CONFIGURATION
// =============================================================================

// GameConfig holds the tick loop and gameplay tunables used by the reconciler
// when it applies local intents.
type GameConfig struct {
	TickRate              int           // Ticks per second of the hosting loop
	PlayerMoveSpeed       float32       // Horizontal speed set by MoveLeft/MoveRight
	JumpAmount            float32       // Vertical speed set by Jump
	BulletSpeed           float32       // Muzzle speed of a new bullet
	FudgeFactor           float32       // Extra gap so shooters don't hit themselves
	BulletHalfLength      float32       // Half the bullet collider length
	PendingGraceSnapshots int           // Applied snapshots a speculative entity survives without an echo
	TombstoneCapacity     int           // Despawned ids remembered to block resurrection
	SnapshotInterval      time.Duration // Authoritative snapshot period (0 = only on OutOfSync)
	AutoSpawn             bool          // Claim a spawn slot for the local player automatically
	Authoritative         bool          // Answer OutOfSync with snapshots instead of applying them
}

// DefaultGame returns the default game configuration.
func DefaultGame() GameConfig {
	return GameConfig{
		TickRate:              60,
		PlayerMoveSpeed:       80,
		JumpAmount:            400,
		BulletSpeed:           1000,
		FudgeFactor:           11,
		BulletHalfLength:      20,
		PendingGraceSnapshots: 120,
		TombstoneCapacity:     256,
		SnapshotInterval:      0,
		AutoSpawn:             true,
	}
}

// GameFromEnv returns game configuration with environment variable overrides.
func GameFromEnv() GameConfig {
	cfg := DefaultGame()

	if n := getEnvInt("TICK_RATE", 0); n > 0 {
		cfg.TickRate = n
	}
	if v := getEnvFloat("PLAYER_MOVE_SPEED", -1); v >= 0 {
		cfg.PlayerMoveSpeed = float32(v)
	}
	if v := getEnvFloat("JUMP_AMOUNT", -1); v >= 0 {
		cfg.JumpAmount = float32(v)
	}
	if v := getEnvFloat("BULLET_SPEED", -1); v >= 0 {
		cfg.BulletSpeed = float32(v)
	}
	if ms := getEnvInt("SNAPSHOT_INTERVAL_MS", 0); ms > 0 {
		cfg.SnapshotInterval = time.Duration(ms) * time.Millisecond
	}
	if os.Getenv("AUTO_SPAWN") == "false" {
		cfg.AutoSpawn = false
	}
	if os.Getenv("AUTHORITATIVE") == "true" {
		cfg.Authoritative = true
	}

	return cfg
}

// =============================================================================
// SPAWN CONFIGURATION
// =============================================================================

// Slot is a spawn point a player can claim.
type Slot struct {
	ID      string
	X, Y    float32
	Radius  float32
	R, G, B float32
}

// SpawnConfig lists the spawn slots of the arena.
type SpawnConfig struct {
	Slots []Slot
}

// DefaultSpawn returns four slots spread across a 1000x400 arena.
func DefaultSpawn() SpawnConfig {
	return SpawnConfig{
		Slots: []Slot{
			{ID: "1", X: -400, Y: 0, Radius: 25, R: 1, G: 0, B: 0},
			{ID: "2", X: 400, Y: 0, Radius: 25, R: 0, G: 0, B: 1},
			{ID: "3", X: -150, Y: 120, Radius: 25, R: 0, G: 1, B: 0},
			{ID: "4", X: 150, Y: 120, Radius: 25, R: 1, G: 1, B: 0},
		},
	}
}

// =============================================================================
// API CONFIGURATION
// =============================================================================

// APIConfig holds the HTTP/debug server settings.
type APIConfig struct {
	Enabled           bool
	Addr              string
	RequestsPerSecond float64
	Burst             int
	IntentsPerSecond  float64 // Per-client budget for POST /api/intent
	IntentBurst       int
	CORSOrigins       []string
	Token             string // Bearer token for intent submission and pprof (empty = open)
	TrustProxy        bool   // Take client addresses from X-Forwarded-For / X-Real-IP
}

// DefaultAPI returns safe defaults (localhost only).
func DefaultAPI() APIConfig {
	return APIConfig{
		Enabled:           true,
		Addr:              "127.0.0.1:6060",
		RequestsPerSecond: 20,
		Burst:             40,
		IntentsPerSecond:  60,
		IntentBurst:       20,
	}
}

// APIFromEnv returns API configuration with environment variable overrides.
func APIFromEnv() APIConfig {
	cfg := DefaultAPI()

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Addr = v
	}
	if os.Getenv("DISABLE_API") == "true" {
		cfg.Enabled = false
	}
	if v := getEnvFloat("API_RPS", -1); v > 0 {
		cfg.RequestsPerSecond = v
	}
	if n := getEnvInt("API_BURST", 0); n > 0 {
		cfg.Burst = n
	}
	if v := getEnvFloat("API_INTENT_RPS", -1); v > 0 {
		cfg.IntentsPerSecond = v
	}
	if n := getEnvInt("API_INTENT_BURST", 0); n > 0 {
		cfg.IntentBurst = n
	}
	if os.Getenv("TRUST_PROXY") == "true" {
		cfg.TrustProxy = true
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.Token = v
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	ClientID string // Identity of this peer's local player owner
	Relay    RelayConfig
	Game     GameConfig
	Spawn    SpawnConfig
	API      APIConfig
}

// Load returns the complete configuration with environment overrides.
// ClientID is left empty unless CLIENT_ID is set; the caller mints one.
func Load() AppConfig {
	return AppConfig{
		ClientID: os.Getenv("CLIENT_ID"),
		Relay:    RelayFromEnv(),
		Game:     GameFromEnv(),
		Spawn:    DefaultSpawn(),
		API:      APIFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
