package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOutputWritesRotatedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	InitLogger(models.LogConfig{Level: "warn", Output: "file", File: path, MaxSize: 1})

	S().Info("filtered by level")
	S().Warnf("订单超时 %s", "XRPUSDT")
	_ = L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "订单超时 XRPUSDT"))
	assert.False(t, strings.Contains(string(data), "filtered by level"))
}

func TestUnknownOutputFallsBackToConsole(t *testing.T) {
	InitLogger(models.LogConfig{Level: "bogus", Output: "nowhere"})
	require.NotNil(t, L())
	assert.True(t, L().Core().Enabled(0), "invalid level falls back to info")
}
