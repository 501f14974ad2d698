// Package secrets resolves credential values from the environment, a Vault
// KV v2 mount or AWS Secrets Manager, and overlays them onto the loaded
// configuration.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"crybin/cfg"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("secret not found")

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// New returns the provider named by SECRETS_PROVIDER.
func New(ctx context.Context, name string) (Provider, error) {
	switch name {
	case "", "env":
		return envProvider{}, nil
	case "vault":
		return newVaultProvider(ctx)
	case "aws":
		return newAWSProvider(ctx)
	}
	return nil, fmt.Errorf("unknown secrets provider %q", name)
}

// Apply replaces the secret fields of c with the values p holds for them.
// Keys the provider does not know keep their configured value.
func Apply(ctx context.Context, p Provider, c *cfg.Cfg) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, s := range []struct {
		key string
		dst *cfg.Secret
	}{
		{"DB_PASSWORD", &c.DB.Password},
		{"REDIS_PASSWORD", &c.RedisPassword},
		{"S3_SECRET_KEY", &c.S3.SecretKey},
		{"METRICS_PASS", &c.MetricsPass},
	} {
		val, err := p.GetSecret(ctx, s.key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "resolve %s", s.key)
		}
		s.dst.Wipe()
		*s.dst = cfg.NewSecret(val)
	}
	return nil
}

type envProvider struct{}

func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", ErrNotFound
	}
	return val, nil
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = os.Getenv("VAULT_ADDR")
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/crybin"),
	}, nil
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	ac, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(ac),
		prefix: getEnvOrDefault("SECRETS_AWS_PREFIX", "crybin/"),
	}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
