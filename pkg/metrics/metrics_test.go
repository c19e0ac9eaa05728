package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(ClientConnectAttemptsTotal.WithLabelValues("failure"))
	ClientConnectAttemptsTotal.WithLabelValues("failure").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ClientConnectAttemptsTotal.WithLabelValues("failure")))

	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hsu_console_client_connect_attempts_total")
	assert.Contains(t, string(body), "hsu_console_processes_active")
}
