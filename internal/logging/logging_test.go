package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_Singleton(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestConfigure_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Configure("debug", "json", &buf)
	defer Configure("info", "text", nil)

	GetLogger().WithFields(Fields{"at": "logging.Test", "slot": 3}).Debug("slot_claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "slot_claimed", line["msg"])
	assert.Equal(t, "logging.Test", line["at"])
	assert.Equal(t, float64(3), line["slot"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, parseLevel("warn"))
	assert.Equal(t, logrus.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, logrus.InfoLevel, parseLevel("chatty"))
	assert.Equal(t, logrus.InfoLevel, parseLevel(""))
}
