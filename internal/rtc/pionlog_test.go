package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rentalconnect-realtime/pkg/logger"
)

func TestZapLoggerFactory_RoutesPionLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	pcLog := newZapLoggerFactory().NewLogger("pc")
	pcLog.Errorf("ufrag %s doesn't match", "abcd")
	pcLog.Trace("gathering")
	pcLog.Infof("state %d", 3)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "pion.pc", entries[0].LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "ufrag abcd doesn't match", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "state 3", entries[2].Message)
}
