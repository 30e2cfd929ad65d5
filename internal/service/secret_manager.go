package service

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// SecretManagerService reads secret versions from Google Secret Manager. It
// satisfies config.SecretAccessor.
type SecretManagerService struct {
	client *secretmanager.Client
}

func NewSecretManagerService(ctx context.Context) (*SecretManagerService, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &SecretManagerService{client: client}, nil
}

// AccessSecret returns the payload of a version such as
// projects/p/secrets/s/versions/latest.
func (s *SecretManagerService) AccessSecret(ctx context.Context, name string) (string, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

func (s *SecretManagerService) Close() error {
	return s.client.Close()
}
