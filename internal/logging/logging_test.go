package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_FileOutput(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	path := filepath.Join(t.TempDir(), "aqi.log")
	closer, err := Setup(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	log.Debug().Str("feature", "PM2.5").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"feature":"PM2.5"`)
	assert.Contains(t, string(data), `"service":"aqi-predictor"`)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetup_InvalidLevel(t *testing.T) {
	_, err := Setup(Options{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = Setup(Options{Format: "json"})
	assert.Error(t, err)
}
