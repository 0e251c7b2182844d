package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", "json", &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("resolved", "identifier", "01310100")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "resolved", line["msg"])
	assert.Equal(t, "01310100", line["identifier"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New("loud", "text", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "yaml", &bytes.Buffer{})
	assert.Error(t, err)
}
