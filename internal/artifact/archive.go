// Package artifact archives completed operation journals for audit. Each
// finished intent produces one immutable JSON record keyed by intent id;
// the archive is append-only from the engine's point of view.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/intent"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	contentTypeJSON = "application/json"

	defaultMaxRecordSize int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("artifact: invalid config")
	ErrNotFound      = errors.New("artifact: journal not found")
	ErrTooLarge      = errors.New("artifact: journal record too large")
)

// JournalStep is the archived form of one lifecycle step.
type JournalStep struct {
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	TxHash     string    `json:"txHash,omitempty"`
	FaultKind  string    `json:"faultKind,omitempty"`
}

// JournalRecord is the archived form of one operation. Amounts are
// decimal strings so the record survives JSON number precision limits.
type JournalRecord struct {
	Version string `json:"version"`

	IntentID   string `json:"intentId"`
	OwnerHash  string `json:"ownerHash"`
	Kind       string `json:"kind"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Deadline   uint64 `json:"deadline"`
	SecretHash string `json:"secretHash"`

	FinalState string        `json:"finalState"`
	Steps      []JournalStep `json:"steps"`

	ArchivedAt time.Time `json:"archivedAt"`
}

const JournalVersionV1 = "v1"

// Archive persists journal records.
type Archive interface {
	Save(ctx context.Context, rec JournalRecord) error
	Load(ctx context.Context, intentID common.Hash) (JournalRecord, error)
	Exists(ctx context.Context, intentID common.Hash) (bool, error)
}

// RecordFor flattens an operation into its archive form.
func RecordFor(op intent.Operation, now time.Time) JournalRecord {
	rec := JournalRecord{
		Version:    JournalVersionV1,
		IntentID:   op.Intent.IntentID.Hex(),
		OwnerHash:  op.Intent.OwnerHash.Hex(),
		Kind:       op.Intent.Kind.String(),
		Asset:      op.Intent.Asset.Hex(),
		Deadline:   op.Intent.Deadline,
		SecretHash: op.Intent.SecretHash.Hex(),
		FinalState: op.State.String(),
		ArchivedAt: now.UTC(),
	}
	if op.Intent.Amount != nil {
		rec.Amount = op.Intent.Amount.String()
	}
	for _, st := range op.Steps {
		js := JournalStep{
			State:      st.State.String(),
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
			FaultKind:  st.FaultKind,
		}
		if st.TxHash != (common.Hash{}) {
			js.TxHash = st.TxHash.Hex()
		}
		rec.Steps = append(rec.Steps, js)
	}
	return rec
}

type Config struct {
	Driver string
	Prefix string

	// MaxRecordSize bounds bytes read back per journal. Defaults to 4 MiB.
	MaxRecordSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryArchive(), nil
	case DriverS3, "":
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func journalKey(prefix string, intentID common.Hash) string {
	key := "journals/" + intentID.Hex() + ".json"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type s3Archive struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Archive(cfg Config) (*s3Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxSize := cfg.MaxRecordSize
	if maxSize <= 0 {
		maxSize = defaultMaxRecordSize
	}
	return &s3Archive{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxSize: maxSize,
	}, nil
}

func (a *s3Archive) Save(ctx context.Context, rec JournalRecord) error {
	if rec.IntentID == "" {
		return fmt.Errorf("%w: record has no intent id", ErrInvalidConfig)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifact: marshal journal %s: %w", rec.IntentID, err)
	}
	key := journalKey(a.prefix, common.HexToHash(rec.IntentID))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeJSON),
		Metadata: map[string]string{
			"kind":        rec.Kind,
			"final-state": rec.FinalState,
		},
	})
	if err != nil {
		return fmt.Errorf("artifact: put journal %s: %w", rec.IntentID, err)
	}
	return nil
}

func (a *s3Archive) Load(ctx context.Context, intentID common.Hash) (JournalRecord, error) {
	key := journalKey(a.prefix, intentID)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return JournalRecord{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
		}
		return JournalRecord{}, fmt.Errorf("artifact: get journal %s: %w", intentID, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, a.maxSize+1))
	if err != nil {
		return JournalRecord{}, fmt.Errorf("artifact: read journal %s: %w", intentID, err)
	}
	if int64(len(data)) > a.maxSize {
		return JournalRecord{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, intentID, a.maxSize)
	}

	var rec JournalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return JournalRecord{}, fmt.Errorf("artifact: decode journal %s: %w", intentID, err)
	}
	return rec, nil
}

func (a *s3Archive) Exists(ctx context.Context, intentID common.Hash) (bool, error) {
	key := journalKey(a.prefix, intentID)
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifact: head journal %s: %w", intentID, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

// MemoryArchive keeps journals in process, for tests and dev runs.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[common.Hash]JournalRecord
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[common.Hash]JournalRecord)}
}

func (a *MemoryArchive) Save(_ context.Context, rec JournalRecord) error {
	if rec.IntentID == "" {
		return fmt.Errorf("%w: record has no intent id", ErrInvalidConfig)
	}
	a.mu.Lock()
	a.records[common.HexToHash(rec.IntentID)] = rec
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Load(_ context.Context, intentID common.Hash) (JournalRecord, error) {
	a.mu.RLock()
	rec, ok := a.records[intentID]
	a.mu.RUnlock()
	if !ok {
		return JournalRecord{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}
	return rec, nil
}

func (a *MemoryArchive) Exists(_ context.Context, intentID common.Hash) (bool, error) {
	a.mu.RLock()
	_, ok := a.records[intentID]
	a.mu.RUnlock()
	return ok, nil
}
