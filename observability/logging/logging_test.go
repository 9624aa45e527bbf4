package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("indexerd", "test", WithWriter(&buf), WithLevel("debug"))
	logger.Debug("listener subscribed", slog.String("stream", "deposit"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "DEBUG", entry["severity"])
	require.Equal(t, "listener subscribed", entry["message"])
	require.Equal(t, "indexerd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Contains(t, entry, "timestamp")

	buf.Reset()
	log.Printf("bridged %d", 1)
	require.Contains(t, buf.String(), `"message":"bridged 1"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMasking(t *testing.T) {
	require.Equal(t, slog.String("signer_key", RedactedValue), MaskField("signer_key", "0xabc"))
	require.Equal(t, slog.String("account", "0xabc"), MaskField("account", "0xabc"))
	require.Equal(t, slog.String("signer_key_env", "CLAIMERKEY"), MaskField("signer_key_env", "CLAIMERKEY"))
	require.True(t, IsAllowlisted(" Keystore "))
	require.Equal(t, "", MaskValue(" "))

	require.Equal(t, "postgres://indexer:xxxxx@db:5432/claims", MaskDSN("postgres://indexer:secret@db:5432/claims"))
	require.Equal(t, "file:ledger.db?cache=shared", MaskDSN("file:ledger.db?cache=shared"))
	require.Equal(t, "host=db user=indexer password=xxxxx dbname=claims",
		MaskDSN("host=db user=indexer password=secret dbname=claims"))
	require.Equal(t, "host=/run/postgresql dbname=openxai-indexer", MaskDSN("host=/run/postgresql dbname=openxai-indexer"))
	require.Equal(t, "postgres://db:5432/claims", MaskDSN("postgres://db:5432/claims"))
}
