package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/web"
)

type recordingTarget struct {
	applied []*config.Config
}

func (r *recordingTarget) ApplyConfig(cfg *config.Config) {
	r.applied = append(r.applied, cfg)
}

func TestApplyReload_PushesLiveSettings(t *testing.T) {
	log, err := logger.New(logger.LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)

	oldConfig := config.Default()
	newConfig := config.Default()
	newConfig.Log.Level = "debug"
	newConfig.Console.Streams.RelayFPS = 4
	newConfig.Console.Events.PollInterval = time.Second

	target := &recordingTarget{}
	webServer := web.NewServer(newConfig.Console.Web, nil, logger.NewNopLogger())

	require.NoError(t, applyReload(log, target, webServer, oldConfig, newConfig))

	require.Len(t, target.applied, 1)
	assert.Same(t, newConfig, target.applied[0])
	assert.Equal(t, 4, webServer.RelayFPS())
	assert.True(t, log.Named("feed").Core().Enabled(-1), "debug enabled after reload")
}

func TestApplyReload_BadLevelReported(t *testing.T) {
	log, err := logger.New(logger.LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)

	oldConfig := config.Default()
	newConfig := config.Default()
	newConfig.Log.Level = "chatty"

	target := &recordingTarget{}
	assert.Error(t, applyReload(log, target, nil, oldConfig, newConfig))
	assert.Len(t, target.applied, 1, "other settings still apply")
}
