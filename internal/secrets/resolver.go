// Package secrets resolves the remote catalog API key, optionally from AWS
// Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/logging"
)

const (
	resourceNotFound = "ResourceNotFoundException"
	accessDenied     = "AccessDeniedException"

	apiKeyField = "api_key"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrAccessDenied   = errors.New("secret access denied")
	ErrSecretEmpty    = errors.New("secret has no value")
)

// ManagerAPI is the slice of the Secrets Manager client the resolver uses.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Resolver struct {
	api    ManagerAPI
	logger *logging.Logger
}

// NewResolver loads the default AWS configuration chain. An empty region
// defers to the chain (AWS_REGION, shared config).
func NewResolver(ctx context.Context, region string, logger *logging.Logger) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewResolverWithAPI(secretsmanager.NewFromConfig(cfg), logger), nil
}

func NewResolverWithAPI(api ManagerAPI, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{api: api, logger: logger.WithComponent("secrets")}
}

// Resolve returns the API key stored under secretID. The secret may hold the
// key as a plain string or as a JSON object with an "api_key" field.
func (r *Resolver) Resolve(ctx context.Context, secretID string) (string, error) {
	if strings.TrimSpace(secretID) == "" {
		return "", errors.New("secret id cannot be empty")
	}
	r.logger.Debugw("secrets.fetch", map[string]any{"secret_id": secretID})

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFound:
				return "", fmt.Errorf("%s: %w", secretID, ErrSecretNotFound)
			case accessDenied:
				return "", fmt.Errorf("%s: %w", secretID, ErrAccessDenied)
			}
		}
		return "", fmt.Errorf("get secret %s: %w", secretID, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	}
	key := extractKey(value)
	if key == "" {
		return "", fmt.Errorf("%s: %w", secretID, ErrSecretEmpty)
	}
	return key, nil
}

func extractKey(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") {
		var doc map[string]any
		if err := json.Unmarshal([]byte(value), &doc); err == nil {
			s, _ := doc[apiKeyField].(string)
			return strings.TrimSpace(s)
		}
	}
	return value
}

// Fetcher resolves a secret id to an API key.
type Fetcher interface {
	Resolve(ctx context.Context, secretID string) (string, error)
}

// ResolveAPIKey fills cfg.APIKey from the secret store when it is unset and a
// secret id is configured. A configured key is never overridden.
func ResolveAPIKey(ctx context.Context, cfg *config.Config, f Fetcher) error {
	if cfg.APIKey != "" || cfg.APIKeySecretID == "" {
		return nil
	}
	key, err := f.Resolve(ctx, cfg.APIKeySecretID)
	if err != nil {
		return fmt.Errorf("resolve api key: %w", err)
	}
	cfg.APIKey = key
	return nil
}
