package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/telemetry"
)

func TestInitStdoutFallback(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}
