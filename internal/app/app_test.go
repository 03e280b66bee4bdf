package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/law-makers/harvest/internal/challenge"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/notify"
)

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogging("warn", true, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("k", "v").Msg("shown")

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"k":"v"`)
	assert.Contains(t, out, `"time"`)

	SetupLogging("info", true, &buf)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNewUsesLogNotifierWithoutMail(t *testing.T) {
	a, err := New(context.Background(), config.Default())
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.IsType(t, notify.Log{}, a.Notifier)
	assert.NotNil(t, a.Metrics)
}

func TestNewAddsMailWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.SMTP.Host = "smtp.example.org"
	cfg.SMTP.To = "a@example.org, b@example.org"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	multi, ok := a.Notifier.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestGateFollowsChallengeConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Challenge.RecoveryClicks = 1
	cfg.Challenge.PollInterval = time.Second
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	a.Stdin = strings.NewReader("")
	g := a.Gate()
	assert.Equal(t, 1, g.RecoveryClicks)
	assert.IsType(t, &challenge.Lines{}, g.Confirmer)
	assert.Same(t, a.Metrics, g.Metrics)

	cfg.Challenge.Interactive = false
	assert.IsType(t, challenge.Poll{}, a.Gate().Confirmer)
}

func TestStateStoreDefaultsToFile(t *testing.T) {
	cfg := config.Default()
	cfg.Crawl.StateFile = filepath.Join(t.TempDir(), "state.json")
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	store, err := a.StateStore(context.Background())
	require.NoError(t, err)
	fs, ok := store.(*checkpoint.FileStore)
	require.True(t, ok)
	assert.Equal(t, cfg.Crawl.StateFile, fs.Path())
}

func TestPacerAddsHostLimitWhenConfigured(t *testing.T) {
	cfg := config.Default()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.Nil(t, a.Pacer(0, 0).Limiter)

	cfg.Crawl.NavsPerMinute = 30
	p := a.Pacer(time.Second, 2*time.Second)
	assert.NotNil(t, p.Limiter)
	assert.Equal(t, time.Second, p.Min)
}
