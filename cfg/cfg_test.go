package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, Validate(c))

	assert.Equal(t, BackendFilesystem, c.StorageBackend)
	assert.Equal(t, "1week", c.ExpireDefault)
	s, ok := c.ExpireSeconds("5min")
	assert.True(t, ok)
	assert.Equal(t, int64(300), s)
	s, ok = c.ExpireSeconds("never")
	assert.True(t, ok)
	assert.Equal(t, int64(0), s)
	_, ok = c.ExpireSeconds("2years")
	assert.False(t, ok)
	assert.Equal(t, 300*time.Second, c.PurgeLimit)
	assert.Equal(t, 10, c.PurgeBatchSize)
	assert.Equal(t, 10*time.Second, c.TrafficLimit)
	assert.True(t, c.Discussion)
	assert.True(t, c.FormatterEnabled("markdown"))
	assert.False(t, c.FormatterEnabled("html"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("CRYBIN_TEST_FROM_FILE=yes\n"), 0600))
	t.Setenv("ENV_FILE", file)
	t.Cleanup(func() { os.Unsetenv("CRYBIN_TEST_FROM_FILE") })
	_, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "yes", os.Getenv("CRYBIN_TEST_FROM_FILE"))
}

func TestParseExpireOptions(t *testing.T) {
	opts, err := parseExpireOptions("a=1, b=0 ,")
	require.NoError(t, err)
	assert.Equal(t, []ExpireOption{{"a", 1}, {"b", 0}}, opts)

	for _, bad := range []string{"a", "=5", "a=-1", "a=x"} {
		_, err := parseExpireOptions(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "http"}},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "tape"}},
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3"}},
		{"gcs without bucket", map[string]string{"STORAGE_BACKEND": "gcs"}},
		{"bad driver", map[string]string{"STORAGE_BACKEND": "database", "DB_DRIVER": "oracle"}},
		{"default expire missing", map[string]string{"EXPIRE_DEFAULT": "forever"}},
		{"default formatter disabled", map[string]string{"FORMATTER_OPTIONS": "markdown"}},
		{"bad exempt", map[string]string{"TRAFFIC_EXEMPTED": "10.0.0.0/33"}},
		{"bad proxy", map[string]string{"TRUSTED_PROXIES": "proxy.local"}},
		{"rediss without tls", map[string]string{"REDIS_URL": "rediss://host:6379"}},
		{"production without metrics auth", map[string]string{"ENVIRONMENT": "production"}},
		{"data dir outside", map[string]string{"DATA_DIR": "/"}},
		{"bad secrets provider", map[string]string{"SECRETS_PROVIDER": "etcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			c, err := Load()
			require.NoError(t, err)
			assert.Error(t, Validate(c))
		})
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	assert.Equal(t, "***REDACTED***", s.String())
	assert.Equal(t, "hunter2", s.Value())
	s.Wipe()
	assert.NotEqual(t, "hunter2", s.Value())
}
