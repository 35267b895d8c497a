package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7331, cfg.BasePort)
	assert.Equal(t, 20, cfg.PortAttempts)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 500, cfg.LogCapacity)

	id, role := cfg.Self()
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, model.RoleFellow, role)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hallpeer.yaml")
	id := uuid.New()
	yamlContent := `
userId: "` + id.String() + `"
username: "ada"
role: "moderator"
basePort: 9000
heartbeatInterval: 500ms
typingIdle: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))
	t.Setenv("HALL_BASE_PORT", "9100")
	t.Setenv("HALL_ROLE", "builder")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ada", cfg.Username)
	assert.Equal(t, 9100, cfg.BasePort, "environment wins over the file")
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.TypingIdle)

	gotID, role := cfg.Self()
	assert.Equal(t, id, gotID)
	assert.Equal(t, model.RoleBuilder, role)
}

func TestLoadGeneratesAndPersistsUserID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hallpeer.yaml")
	first, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.UserID)

	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad user id", func(c *Config) { c.UserID = "nope" }},
		{"unknown role", func(c *Config) { c.Role = "overlord" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"inverted rtt thresholds", func(c *Config) { c.PoorRTT = c.GoodRTT }},
		{"no port attempts", func(c *Config) { c.PortAttempts = 0 }},
		{"bad banned id", func(c *Config) { c.BannedUsers = []string{"x"} }},
		{"bad hall id", func(c *Config) { c.Halls = []string{"lobby"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.UserID = uuid.NewString()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBanIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hallpeer.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	troll := uuid.New()
	require.NoError(t, cfg.Ban(troll))
	require.NoError(t, cfg.Ban(troll))
	assert.True(t, cfg.IsBanned(troll))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsBanned(troll))
	assert.Len(t, reloaded.BannedUsers, 1)

	require.NoError(t, reloaded.Unban(troll))
	assert.False(t, reloaded.IsBanned(troll))
}

func TestConfigTravelsInContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	cfg := Default()
	cfg.Halls = []string{uuid.NewString()}
	got := FromContext(WithContext(context.Background(), cfg))
	require.Same(t, cfg, got)
	ids, err := got.HallIDs()
	require.NoError(t, err)
	assert.Equal(t, cfg.Halls[0], ids[0].String())
}
