package cli

import (
	"context"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/anpr-monitor/pkg/config"
	"github.com/jguan/anpr-monitor/pkg/unit/alert"
)

func TestApp_BreakerTransitionsRaiseAlerts(t *testing.T) {
	cfg, err := config.LoadFromFile(writeConfig(t, t.TempDir(), false))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, appOptions{})
	require.NoError(t, err)
	defer a.Close()

	a.onBreaker("anpr-detector", gobreaker.StateClosed, gobreaker.StateOpen)
	alerts, summary, err := a.monitor.ListAlerts(alert.Filter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.RuleDetectorOutage, alerts[0].Rule)
	assert.Equal(t, 1, summary.Unread)

	a.onBreaker("anpr-detector", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	_, summary, err = a.monitor.ListAlerts(alert.Filter{})
	require.NoError(t, err)
	assert.Zero(t, summary.Unread)
	assert.Equal(t, 1, summary.Resolved)
}
