package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	values map[string]string
	calls  int
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestResolveRejectsMalformedRefs(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	for _, ref := range []string{"", "no-scheme", "vault:foo", "env:", "aws: ", "file:"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("ref %q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("VEIL_TEST_CRED", "  hunter2  ")

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "env:VEIL_TEST_CRED")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "hunter2" {
		t.Fatalf("got %q want hunter2", v)
	}

	if _, err := r.Resolve(context.Background(), "env:VEIL_TEST_CRED_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAWSCachesLookups(t *testing.T) {
	t.Parallel()

	fake := &fakeSecretsManager{values: map[string]string{"veil/test/key": "s3cret"}}
	r := NewResolver(WithSecretsManager(fake))

	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), "aws:veil/test/key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if v != "s3cret" {
			t.Fatalf("got %q", v)
		}
	}
	if fake.calls != 1 {
		t.Fatalf("aws calls: got %d want 1 (cached)", fake.calls)
	}
}

func TestResolveAWSWithoutClient(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	if _, err := r.Resolve(context.Background(), "aws:veil/key"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
}

func TestResolveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("abc123\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "abc123" {
		t.Fatalf("got %q", v)
	}

	if _, err := r.Resolve(context.Background(), "file:"+filepath.Join(dir, "nope")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
