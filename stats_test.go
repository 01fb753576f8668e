package govirtio

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/govirtio/config"
	"github.com/slackhq/govirtio/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		started bool
		wantErr string
	}{
		{name: "not configured", raw: "stats: {}"},
		{name: "none", raw: "stats:\n  type: none"},
		{name: "missing interval", raw: "stats:\n  type: graphite", wantErr: "stats.interval was an invalid duration"},
		{name: "unknown type", raw: "stats:\n  type: statsd\n  interval: 10s", wantErr: "stats.type was not understood: statsd"},
		{name: "graphite without host", raw: "stats:\n  type: graphite\n  interval: 10s", wantErr: "stats.host can not be empty"},
		{name: "graphite", raw: "stats:\n  type: graphite\n  interval: 10s\n  host: 127.0.0.1:2003", started: true},
		{name: "prometheus without listen", raw: "stats:\n  type: prometheus\n  interval: 10s", wantErr: "stats.listen should not be empty"},
		{name: "prometheus without path", raw: "stats:\n  type: prometheus\n  interval: 10s\n  listen: 127.0.0.1:0", wantErr: "stats.path should not be empty"},
		{name: "prometheus", raw: "stats:\n  type: prometheus\n  interval: 10s\n  listen: 127.0.0.1:0\n  path: /metrics", started: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			start, err := startStats(l, c, metrics.NewRegistry(), "test", false)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.started, start != nil)

			// Validation only, nothing gets started.
			start, err = startStats(l, c, metrics.NewRegistry(), "test", true)
			require.NoError(t, err)
			assert.Nil(t, start)
		})
	}
}
