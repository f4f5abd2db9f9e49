package config

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "vchannel.yml")
	data := `
listen: "0.0.0.0:4000"
chunk_length: 512
queue_depth: 8
metrics:
  enabled: true
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	conf, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4000", conf.Listen)
	assert.Equal(t, 512, conf.ChunkLength)
	assert.Equal(t, 8, conf.QueueDepth)
	assert.True(t, conf.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9390", conf.Metrics.Listen)
	assert.Equal(t, 8192, conf.RingBufferSize)
	assert.Equal(t, "debug", conf.Logger.Level)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(file, []byte("chunk_length: 10\n"), 0o644))

	_, err := Load(file)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	conf := Default()
	require.NoError(t, conf.Validate())

	conf.QueueDepth = 0
	assert.Error(t, conf.Validate())

	conf = Default()
	conf.MaxMessageSize = 100
	assert.Error(t, conf.Validate())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, log.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, log.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, log.InfoLevel, ParseLevel("bogus"))
}
