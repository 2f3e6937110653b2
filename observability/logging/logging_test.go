package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesKeysAndMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("streamd", "test", WithWriter(&buf), WithLevel(slog.LevelDebug))
	logger.Debug("signer loaded", slog.String("passphrase", "hunter2"), slog.String("account", "0xabc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "signer loaded", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "streamd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["passphrase"])
	require.Equal(t, "0xabc", line["account"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("Authorization", "Bearer x").Value.String())
	require.Equal(t, "", MaskField("jwt", "").Value.String())
	require.Equal(t, "7", MaskField("stream", "7").Value.String())
}

func TestIsSensitiveMatchesFragments(t *testing.T) {
	for _, key := range []string{"hmacSecret", "signer_passphrase", "Private-Key", "keystore.json"} {
		require.True(t, IsSensitive(key), key)
	}
	for _, key := range []string{"", "account", "txHash", "streamId"} {
		require.False(t, IsSensitive(key), key)
	}
}
