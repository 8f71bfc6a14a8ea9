// Package config loads server configuration from the environment and the
// agent role registry from a YAML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// BoardHealth tunes the board-health watchdog loops.
type BoardHealth struct {
	Enabled          bool
	Interval         time.Duration
	StaleDoing       time.Duration
	SuggestClose     time.Duration
	RollbackWindow   time.Duration
	DigestInterval   time.Duration
	DigestChannel    string
	QuietStartHour   int
	QuietEndHour     int
	DryRun           bool
	MaxActions       int
	CooldownMin      int
	ReviewSLA        time.Duration
	EscalateAfter    time.Duration
	InactiveAgent    time.Duration
	MentionRescueAge time.Duration
}

// QuietHours is the global suppression window for watchdog chatter.
type QuietHours struct {
	Enabled   bool
	StartHour int
	EndHour   int
	TZ        string
}

// Workspace holds artifact-mirror roots.
type Workspace struct {
	Root       string // REFLECTT_WORKSPACE
	SharedRoot string // REFLECTT_SHARED_WORKSPACE
	StateDir   string // OPENCLAW_STATE_DIR
}

// Bridge tunes the insight-task bridge.
type Bridge struct {
	FeatureFamilies      []string
	AutoCreateSeverities []string
	GuardrailEnabled     bool
	RequireNonAuthorRev  bool
}

// Chat tunes message retention and routing.
type Chat struct {
	RetentionMax    int
	RetentionDays   int
	CommentsChannel string
	Channels        map[string]string // category -> channel
}

// Config is the full server configuration.
type Config struct {
	HTTPAddr   string
	DBPath     string
	RolesPath  string
	Production bool // NODE_ENV=production enables TEST: title rejection

	SSEBatchWindow time.Duration // flush window for the /events stream

	BoardHealth BoardHealth
	QuietHours  QuietHours
	Workspace   Workspace
	Bridge      Bridge
	Chat        Chat
}

// defaultStateDir returns ~/.config/teamboard, falling back to the
// temp dir when the home directory cannot be resolved.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "teamboard")
}

// Load reads configuration from the environment. Every recognized
// variable has a default, so Load never fails on a clean environment.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":4617")
	v.SetDefault("OPENCLAW_STATE_DIR", defaultStateDir())
	v.SetDefault("TEAMBOARD_DB", "")
	v.SetDefault("TEAMBOARD_ROLES", "")
	v.SetDefault("NODE_ENV", "")

	v.SetDefault("BOARD_HEALTH_ENABLED", "true")
	v.SetDefault("BOARD_HEALTH_INTERVAL_MS", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("BOARD_HEALTH_STALE_DOING_MIN", 240)
	v.SetDefault("BOARD_HEALTH_SUGGEST_CLOSE_MIN", 7*24*60)
	v.SetDefault("BOARD_HEALTH_ROLLBACK_WINDOW_MS", int64(time.Hour/time.Millisecond))
	v.SetDefault("BOARD_HEALTH_DIGEST_INTERVAL_MS", int64(6*time.Hour/time.Millisecond))
	v.SetDefault("BOARD_HEALTH_DIGEST_CHANNEL", "general")
	v.SetDefault("BOARD_HEALTH_QUIET_START", -1)
	v.SetDefault("BOARD_HEALTH_QUIET_END", -1)
	v.SetDefault("BOARD_HEALTH_DRY_RUN", false)
	v.SetDefault("BOARD_HEALTH_MAX_ACTIONS", 5)
	v.SetDefault("BOARD_HEALTH_COOLDOWN_MIN", 60)
	v.SetDefault("BOARD_HEALTH_REVIEW_SLA_MIN", 480)
	v.SetDefault("BOARD_HEALTH_ESCALATE_AFTER_MIN", 120)
	v.SetDefault("BOARD_HEALTH_INACTIVE_AGENT_MIN", 24*60)
	v.SetDefault("BOARD_HEALTH_MENTION_RESCUE_MIN", 30)

	v.SetDefault("WATCHDOG_QUIET_HOURS_ENABLED", false)
	v.SetDefault("WATCHDOG_QUIET_HOURS_START_HOUR", 22)
	v.SetDefault("WATCHDOG_QUIET_HOURS_END_HOUR", 7)
	v.SetDefault("WATCHDOG_QUIET_HOURS_TZ", "UTC")

	v.SetDefault("REFLECTT_WORKSPACE", "")
	v.SetDefault("REFLECTT_SHARED_WORKSPACE", "")

	v.SetDefault("CHAT_RETENTION_MAX", 5000)
	v.SetDefault("CHAT_RETENTION_DAYS", 30)

	v.SetDefault("SSE_BATCH_WINDOW_MS", 250)

	stateDir := v.GetString("OPENCLAW_STATE_DIR")
	dbPath := v.GetString("TEAMBOARD_DB")
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "teamboard.sqlite")
	}
	rolesPath := v.GetString("TEAMBOARD_ROLES")
	if rolesPath == "" {
		rolesPath = filepath.Join(stateDir, "roles.yaml")
	}

	minutes := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Minute
	}
	millis := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}

	return &Config{
		HTTPAddr:       v.GetString("HTTP_ADDR"),
		DBPath:         dbPath,
		RolesPath:      rolesPath,
		Production:     v.GetString("NODE_ENV") == "production",
		SSEBatchWindow: millis("SSE_BATCH_WINDOW_MS"),
		BoardHealth: BoardHealth{
			Enabled:          v.GetString("BOARD_HEALTH_ENABLED") != "false",
			Interval:         millis("BOARD_HEALTH_INTERVAL_MS"),
			StaleDoing:       minutes("BOARD_HEALTH_STALE_DOING_MIN"),
			SuggestClose:     minutes("BOARD_HEALTH_SUGGEST_CLOSE_MIN"),
			RollbackWindow:   millis("BOARD_HEALTH_ROLLBACK_WINDOW_MS"),
			DigestInterval:   millis("BOARD_HEALTH_DIGEST_INTERVAL_MS"),
			DigestChannel:    v.GetString("BOARD_HEALTH_DIGEST_CHANNEL"),
			QuietStartHour:   v.GetInt("BOARD_HEALTH_QUIET_START"),
			QuietEndHour:     v.GetInt("BOARD_HEALTH_QUIET_END"),
			DryRun:           v.GetBool("BOARD_HEALTH_DRY_RUN"),
			MaxActions:       v.GetInt("BOARD_HEALTH_MAX_ACTIONS"),
			CooldownMin:      v.GetInt("BOARD_HEALTH_COOLDOWN_MIN"),
			ReviewSLA:        minutes("BOARD_HEALTH_REVIEW_SLA_MIN"),
			EscalateAfter:    minutes("BOARD_HEALTH_ESCALATE_AFTER_MIN"),
			InactiveAgent:    minutes("BOARD_HEALTH_INACTIVE_AGENT_MIN"),
			MentionRescueAge: minutes("BOARD_HEALTH_MENTION_RESCUE_MIN"),
		},
		QuietHours: QuietHours{
			Enabled:   v.GetBool("WATCHDOG_QUIET_HOURS_ENABLED"),
			StartHour: v.GetInt("WATCHDOG_QUIET_HOURS_START_HOUR"),
			EndHour:   v.GetInt("WATCHDOG_QUIET_HOURS_END_HOUR"),
			TZ:        v.GetString("WATCHDOG_QUIET_HOURS_TZ"),
		},
		Workspace: Workspace{
			Root:       v.GetString("REFLECTT_WORKSPACE"),
			SharedRoot: v.GetString("REFLECTT_SHARED_WORKSPACE"),
			StateDir:   stateDir,
		},
		Bridge: Bridge{
			FeatureFamilies: []string{
				"autonomy", "revenue-focus", "monetization", "product-is-process",
				"focus-correction", "autonomy-contract", "burn-rate",
			},
			AutoCreateSeverities: []string{"high", "critical"},
			GuardrailEnabled:     true,
			RequireNonAuthorRev:  true,
		},
		Chat: Chat{
			RetentionMax:    v.GetInt("CHAT_RETENTION_MAX"),
			RetentionDays:   v.GetInt("CHAT_RETENTION_DAYS"),
			CommentsChannel: "task-comments",
			Channels: map[string]string{
				"watchdog-alert": "board-health",
				"escalation":     "escalations",
				"digest":         v.GetString("BOARD_HEALTH_DIGEST_CHANNEL"),
				"system-info":    "general",
				"status-update":  "general",
			},
		},
	}
}

// QuietOverride layers the board-health quiet hours over the global
// window. Both hours must be set (>= 0); -1 leaves the global window
// untouched.
func (b BoardHealth) QuietOverride(q QuietHours) QuietHours {
	if b.QuietStartHour < 0 || b.QuietEndHour < 0 {
		return q
	}
	q.Enabled = true
	q.StartHour = b.QuietStartHour
	q.EndHour = b.QuietEndHour
	return q
}

// QuietLocation resolves the configured quiet-hours timezone, falling
// back to UTC when the name does not load.
func (q QuietHours) QuietLocation() *time.Location {
	loc, err := time.LoadLocation(q.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InWindow reports whether t falls inside the quiet window. Windows may
// wrap midnight (start 22, end 7).
func (q QuietHours) InWindow(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	h := t.In(q.QuietLocation()).Hour()
	if q.StartHour == q.EndHour {
		return false
	}
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}
