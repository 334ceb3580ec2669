package clickhouse

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSN(t *testing.T) {
	opts, err := parseDSN("clickhouse://user:pw@localhost/analytics")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9000"}, opts.Addr)
	assert.Equal(t, "user", opts.Auth.Username)
	assert.Equal(t, "pw", opts.Auth.Password)
	assert.Equal(t, "analytics", opts.Auth.Database)

	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Nil(t, opts.Compression)
	assert.Nil(t, opts.TLS)

	opts, err = parseDSN("clickhouse://ch1,ch2:9440/analytics?compress=lz4&secure=true&dial_timeout=2s&max_open_conns=8")
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1:9000", "ch2:9440"}, opts.Addr)
	require.NotNil(t, opts.Compression)
	assert.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
	assert.NotNil(t, opts.TLS)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Equal(t, 8, opts.MaxOpenConns)

	for _, bad := range []string{
		"http://localhost:8123/x",
		"clickhouse:///x",
		"clickhouse://h/x?compress=gzip",
		"clickhouse://h/x?dial_timeout=soon",
		"clickhouse://h/x?secure=maybe",
		"clickhouse://h/x?max_open_conns=0",
	} {
		_, err = parseDSN(bad)
		assert.Error(t, err, bad)
	}
}
