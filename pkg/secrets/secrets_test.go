package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"crybin/cfg"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapProvider map[string]string

func (m mapProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

type brokenProvider struct{}

func (brokenProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return "", errors.New("connection refused")
}

func TestApply(t *testing.T) {
	c := &cfg.Cfg{RedisPassword: cfg.NewSecret("from-env")}
	c.DB.Password = cfg.NewSecret("old")
	require.NoError(t, Apply(context.Background(), mapProvider{"DB_PASSWORD": "s3cr3t", "METRICS_PASS": "m"}, c))
	assert.Equal(t, "s3cr3t", c.DB.Password.Value())
	assert.Equal(t, "m", c.MetricsPass.Value())
	assert.Equal(t, "from-env", c.RedisPassword.Value())

	assert.Error(t, Apply(context.Background(), brokenProvider{}, c))
}

func TestEnvProvider(t *testing.T) {
	p, err := New(context.Background(), "env")
	require.NoError(t, err)
	t.Setenv("CRYBIN_TEST_SECRET", "v")
	v, err := p.GetSecret(context.Background(), "CRYBIN_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	_, err = p.GetSecret(context.Background(), "CRYBIN_TEST_SECRET_MISSING")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = New(context.Background(), "etcd")
	assert.Error(t, err)
}

func TestVaultProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/sys/health":
			json.NewEncoder(w).Encode(map[string]interface{}{"initialized": true, "sealed": false, "standby": false})
		case "/v1/secret/data/crybin/DB_PASSWORD":
			assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": map[string]interface{}{"value": "from-vault"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-token")

	p, err := New(context.Background(), "vault")
	require.NoError(t, err)
	c := &cfg.Cfg{}
	require.NoError(t, Apply(context.Background(), p, c))
	assert.Equal(t, "from-vault", c.DB.Password.Value())
	assert.Empty(t, c.RedisPassword.Value())
}
