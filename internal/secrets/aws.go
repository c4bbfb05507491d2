package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSProvider reads secrets from AWS Secrets Manager via the real SDK,
// using the standard AWS credential chain (environment, shared config,
// instance profile, etc.).
type AWSProvider struct {
	client       *secretsmanager.Client
	secretPrefix string
}

// NewAWSProvider creates a new AWS Secrets Manager provider.
func NewAWSProvider(cfg *Config) (*AWSProvider, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSProvider{
		client:       secretsmanager.NewFromConfig(awsCfg),
		secretPrefix: cfg.AWSSecretPrefix,
	}, nil
}

// Name returns the provider name.
func (p *AWSProvider) Name() string {
	return "aws"
}

func (p *AWSProvider) secretID(key string) string {
	if p.secretPrefix != "" {
		return p.secretPrefix + "/" + key
	}
	return key
}

// Get retrieves a secret from AWS Secrets Manager.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.GetWithMetadata(ctx, key)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// GetWithMetadata retrieves a secret with metadata from AWS Secrets Manager.
func (p *AWSProvider) GetWithMetadata(ctx context.Context, key string) (*Secret, error) {
	secretID := p.secretID(key)

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, ErrSecretNotFound
		}
		var denied *types.InvalidRequestException
		if errors.As(err, &denied) {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("AWS Secrets Manager request failed: %w", err)
	}

	value := ""
	if out.SecretString != nil {
		value = *out.SecretString
	} else if len(out.SecretBinary) > 0 {
		value = string(out.SecretBinary)
	}

	secret := &Secret{
		Key:     key,
		Value:   value,
		Version: derefString(out.VersionId),
		Metadata: map[string]string{
			"arn":  derefString(out.ARN),
			"name": derefString(out.Name),
		},
	}
	if out.CreatedDate != nil {
		secret.CreatedAt = *out.CreatedDate
	}

	return secret, nil
}

// List returns available secret names from AWS Secrets Manager.
func (p *AWSProvider) List(ctx context.Context) ([]string, error) {
	input := &secretsmanager.ListSecretsInput{}
	if p.secretPrefix != "" {
		filterKey := types.FilterNameStringTypeName
		input.Filters = []types.Filter{{Key: filterKey, Values: []string{p.secretPrefix}}}
	}

	out, err := p.client.ListSecrets(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("AWS Secrets Manager list failed: %w", err)
	}

	keys := make([]string, 0, len(out.SecretList))
	for _, s := range out.SecretList {
		name := derefString(s.Name)
		if p.secretPrefix != "" {
			name = strings.TrimPrefix(name, p.secretPrefix+"/")
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Close releases resources held by the underlying SDK client (a no-op; the
// SDK manages its own HTTP transport lifecycle).
func (p *AWSProvider) Close() error {
	return nil
}

// Healthy checks if AWS Secrets Manager is reachable and authorized.
func (p *AWSProvider) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	maxResults := int32(1)
	_, err := p.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: &maxResults})
	return err == nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
