// Package config loads a member's settings from a YAML file overlaid with
// HALL_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/puyokura/hallmesh/model"
	"gopkg.in/yaml.v3"
)

const envPrefix = "hall"

type contextKey struct{}

// WithContext stores cfg for cobra subcommands.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const DefaultConfigFile = "hallpeer.yaml"

type Config struct {
	DataDir       string `yaml:"dataDir"       split_words:"true"`
	LogDir        string `yaml:"logDir"        split_words:"true"`
	UserID        string `yaml:"userId"        split_words:"true"`
	Username      string `yaml:"username"`
	Role          string `yaml:"role"`
	ListenHost    string `yaml:"listenHost"    split_words:"true"`
	AdvertiseHost string `yaml:"advertiseHost" split_words:"true"`
	BasePort      int    `yaml:"basePort"      split_words:"true"`
	PortAttempts  int    `yaml:"portAttempts"  split_words:"true"`
	MaxPeers      int    `yaml:"maxPeers"      split_words:"true"`
	AutoConnect   bool   `yaml:"autoConnect"   split_words:"true"`
	MetricsAddr   string `yaml:"metricsAddr"   split_words:"true"`
	Debug         bool   `yaml:"debug"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" split_words:"true"`
	MissedHeartbeats  int           `yaml:"missedHeartbeats"  split_words:"true"`
	AnnounceTimeout   time.Duration `yaml:"announceTimeout"   split_words:"true"`
	PingInterval      time.Duration `yaml:"pingInterval"      split_words:"true"`
	GoodRTT           time.Duration `yaml:"goodRtt"           envconfig:"GOOD_RTT"`
	PoorRTT           time.Duration `yaml:"poorRtt"           envconfig:"POOR_RTT"`
	TypingThrottle    time.Duration `yaml:"typingThrottle"    split_words:"true"`
	TypingIdle        time.Duration `yaml:"typingIdle"        split_words:"true"`
	TypingStale       time.Duration `yaml:"typingStale"       split_words:"true"`
	PruneInterval     time.Duration `yaml:"pruneInterval"     split_words:"true"`
	TypingCapacity    int           `yaml:"typingCapacity"    split_words:"true"`
	LogCapacity       int           `yaml:"logCapacity"       split_words:"true"`

	// Halls this member takes part in; a session runs for each.
	Halls []string `yaml:"halls"`

	// Members the local host refuses to admit.
	BannedUsers []string `yaml:"bannedUsers" split_words:"true"`

	mu         sync.RWMutex
	configFile string
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		DataDir:           ".hallmesh",
		LogDir:            "logs",
		Username:          "member",
		Role:              model.RoleFellow.String(),
		ListenHost:        "0.0.0.0",
		AdvertiseHost:     "127.0.0.1",
		BasePort:          7331,
		PortAttempts:      20,
		MaxPeers:          32,
		AutoConnect:       true,
		HeartbeatInterval: 2 * time.Second,
		MissedHeartbeats:  3,
		AnnounceTimeout:   3 * time.Second,
		PingInterval:      3 * time.Second,
		GoodRTT:           80 * time.Millisecond,
		PoorRTT:           200 * time.Millisecond,
		TypingThrottle:    600 * time.Millisecond,
		TypingIdle:        1500 * time.Millisecond,
		TypingStale:       2 * time.Second,
		PruneInterval:     250 * time.Millisecond,
		TypingCapacity:    64,
		LogCapacity:       500,
		Halls:             []string{},
		BannedUsers:       []string{},
	}
}

// Load reads configFile when it exists, applies the environment and
// validates the result. A missing user id is generated and written back so
// the member keeps its identity across restarts.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	cfg.configFile = configFile
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		if configFile != "" {
			if err := cfg.Save(); err != nil {
				return nil, err
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot run with.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.UserID); err != nil {
		return fmt.Errorf("invalid userId %q: %w", c.UserID, err)
	}
	if _, err := model.ParseRole(c.Role); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}
	if _, err := c.HallIDs(); err != nil {
		return err
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("invalid basePort %d", c.BasePort)
	}
	positive := map[string]time.Duration{
		"heartbeatInterval": c.HeartbeatInterval,
		"announceTimeout":   c.AnnounceTimeout,
		"pingInterval":      c.PingInterval,
		"goodRtt":           c.GoodRTT,
		"poorRtt":           c.PoorRTT,
		"typingThrottle":    c.TypingThrottle,
		"typingIdle":        c.TypingIdle,
		"typingStale":       c.TypingStale,
		"pruneInterval":     c.PruneInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PoorRTT <= c.GoodRTT {
		return fmt.Errorf("poorRtt (%s) must exceed goodRtt (%s)", c.PoorRTT, c.GoodRTT)
	}
	if c.MissedHeartbeats <= 0 || c.PortAttempts <= 0 || c.TypingCapacity <= 0 || c.LogCapacity <= 0 || c.MaxPeers <= 0 {
		return errors.New("missedHeartbeats, portAttempts, typingCapacity, logCapacity and maxPeers must be positive")
	}
	for _, id := range c.BannedUsers {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("invalid banned user %q: %w", id, err)
		}
	}
	return nil
}

// Self is the local member's identity. Load guarantees both parse.
func (c *Config) Self() (uuid.UUID, model.Role) {
	id, _ := uuid.Parse(c.UserID)
	role, _ := model.ParseRole(c.Role)
	return id, role
}

// HallIDs parses the configured halls.
func (c *Config) HallIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(c.Halls))
	for _, h := range c.Halls {
		id, err := uuid.Parse(h)
		if err != nil {
			return nil, fmt.Errorf("invalid hall %q: %w", h, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// HeartbeatTimeout is how long a client waits before declaring the host gone.
func (c *Config) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	if c.configFile == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	if dir := filepath.Dir(c.configFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.configFile, data, 0o644)
}

func (c *Config) IsBanned(userID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.BannedUsers, userID.String())
}

func (c *Config) Ban(userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.BannedUsers, userID.String()) {
		return nil
	}
	c.BannedUsers = append(c.BannedUsers, userID.String())
	return c.saveInternal()
}

func (c *Config) Unban(userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BannedUsers = slices.DeleteFunc(c.BannedUsers, func(s string) bool { return s == userID.String() })
	return c.saveInternal()
}
