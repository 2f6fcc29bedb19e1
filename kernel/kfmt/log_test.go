package kfmt

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetOutputSinkFlushesEarlyOutput(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	Module("pmm").WithField(Zone, "DMA32").Info("zone initialized")

	var buf bytes.Buffer
	SetOutputSink(&buf)
	require.Contains(t, buf.String(), "zone initialized")
	require.Contains(t, buf.String(), "module=pmm")
	require.Equal(t, &buf, GetOutputSink())

	buf.Reset()
	Module("slab").Info("cache created")
	require.Contains(t, buf.String(), "module=slab")
	require.Zero(t, earlyLogBuffer.Len())
}

func TestSetLevel(t *testing.T) {
	defer Logger.SetLevel(Logger.GetLevel())

	require.NoError(t, SetLevel("debug"))
	require.True(t, Logger.IsLevelEnabled(logrus.DebugLevel))
	require.Error(t, SetLevel("chatty"))
}
