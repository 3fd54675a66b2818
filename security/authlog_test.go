package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAuthFail_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	log := NewAuthLog(path)
	log.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, log.LogAuthFail("admin command /ban from user 7"))
	require.NoError(t, log.LogAuthFail("webhook token mismatch from 10.0.0.1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"[2026-01-02T03:04:05Z] [AUTH_FAIL] admin command /ban from user 7\n"+
			"[2026-01-02T03:04:05Z] [AUTH_FAIL] webhook token mismatch from 10.0.0.1\n",
		string(data))
}

func TestLogAuthFail_Disabled(t *testing.T) {
	assert.NoError(t, NewAuthLog("").LogAuthFail("ignored"))
	var nilLog *AuthLog
	assert.NoError(t, nilLog.LogAuthFail("ignored"))
}

func TestLogAuthFail_UnwritablePath(t *testing.T) {
	err := NewAuthLog(filepath.Join(t.TempDir(), "missing", "auth.log")).LogAuthFail("x")
	assert.Error(t, err)
}
