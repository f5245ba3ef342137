// Package creds resolves operator credentials (signer keys, RPC auth,
// database passwords) from scheme-prefixed references, so deployment
// config can say where a value lives without embedding it:
//
//	env:VEIL_SIGNER_KEY
//	aws:veil/prod/signer-key
//	file:/run/secrets/signer-key
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidRef = errors.New("creds: invalid reference")
	ErrNotFound   = errors.New("creds: not found")
)

// SecretsManagerAPI is the slice of the AWS Secrets Manager client the
// resolver needs.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves credential references. AWS lookups are cached for
// the process lifetime; env and file lookups are not.
type Resolver struct {
	aws SecretsManagerAPI

	mu    sync.Mutex
	cache map[string]string
}

type Option func(*Resolver)

// WithSecretsManager injects an AWS client, enabling aws: references.
func WithSecretsManager(api SecretsManagerAPI) Option {
	return func(r *Resolver) { r.aws = api }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{cache: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewResolverFromEnv builds a resolver with an AWS client from the
// default config chain. Callers that never use aws: references should
// prefer NewResolver.
func NewResolverFromEnv(ctx context.Context) (*Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("creds: load aws config: %w", err)
	}
	return NewResolver(WithSecretsManager(secretsmanager.NewFromConfig(cfg))), nil
}

// Resolve fetches the value a reference points at. The returned value is
// trimmed of surrounding whitespace.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no scheme, want env:, aws: or file:", ErrInvalidRef, ref)
	}
	switch scheme {
	case "env":
		return r.resolveEnv(rest)
	case "aws":
		return r.resolveAWS(ctx, rest)
	case "file":
		return r.resolveFile(rest)
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidRef, scheme)
	}
}

func (r *Resolver) resolveEnv(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidRef)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is unset or empty", ErrNotFound, name)
	}
	return v, nil
}

func (r *Resolver) resolveAWS(ctx context.Context, secretID string) (string, error) {
	secretID = strings.TrimSpace(secretID)
	if secretID == "" {
		return "", fmt.Errorf("%w: empty aws secret id", ErrInvalidRef)
	}
	if r.aws == nil {
		return "", fmt.Errorf("%w: aws references need a secrets manager client", ErrInvalidRef)
	}

	r.mu.Lock()
	if v, ok := r.cache[secretID]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	out, err := r.aws.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretID})
	if err != nil {
		return "", fmt.Errorf("creds: get aws secret %q: %w", secretID, err)
	}
	var v string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: aws secret %q has no value", ErrNotFound, secretID)
	}

	r.mu.Lock()
	r.cache[secretID] = v
	r.mu.Unlock()
	return v, nil
}

func (r *Resolver) resolveFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidRef)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("creds: read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, path)
	}
	return v, nil
}
