package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INVENTORY_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 5, cfg.DLQMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.DriftCheckInterval)
	assert.Equal(t, 5, cfg.LadderDays)
	assert.True(t, cfg.IncludePendingCA)
	assert.Equal(t, 150*time.Millisecond, cfg.ShortSellDeadline)
	assert.Equal(t, 50*time.Millisecond, cfg.LocateRuleDeadline)
	assert.Zero(t, cfg.LocateRequestTTL)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INVENTORY_DATA_DIR", t.TempDir())
	t.Setenv("DEDUP_WINDOW", "48h")
	t.Setenv("SHORT_SELL_DEADLINE", "100ms")
	t.Setenv("LADDER_DAYS", "7")
	t.Setenv("ARCHIVE_BUCKET", "inventory-snapshots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.ShortSellDeadline)
	assert.Equal(t, 7, cfg.LadderDays)
	assert.True(t, cfg.Archive.Enabled())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{LadderDays: 0, DLQMaxRetries: 5, ShortSellDeadline: time.Millisecond}
	assert.Error(t, cfg.Validate())

	cfg = &Config{LadderDays: 5, DLQMaxRetries: 0, ShortSellDeadline: time.Millisecond}
	assert.Error(t, cfg.Validate())

	cfg = &Config{LadderDays: 5, DLQMaxRetries: 5, ShortSellDeadline: 0}
	assert.Error(t, cfg.Validate())
}
