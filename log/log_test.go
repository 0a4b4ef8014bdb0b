package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(WARNING)
	Infoln("hidden %d", 1)
	Warnln("shown %s", "warning")
	Errorln("shown %s", "error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[Doorstop] ")
	assert.Contains(t, out, "|warn| shown warning")
	assert.Contains(t, out, "|erro| shown error")
}

func TestSilent(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(SILENT)
	Errorln("nothing")
	assert.Empty(t, buf.String())
}

func TestLevelYAML(t *testing.T) {
	var cfg struct {
		Level LogLevel `yaml:"level"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("level: Debug\n"), &cfg))
	assert.Equal(t, DEBUG, cfg.Level)

	assert.Error(t, yaml.Unmarshal([]byte("level: loud\n"), &cfg))

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "level: debug\n", string(out))
}
