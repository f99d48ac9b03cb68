// Package store persists snapshot frames to object storage and call
// lifecycle events to Postgres. Both are best-effort collaborators of the
// orchestrator: a nil *Store disables persistence, and failures are logged
// by callers rather than propagated into call state.
package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/render"
)

// Config contains the persistence endpoints.
type Config struct {
	PostgresDSN string

	MinIOEndpoint   string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string

	// Upload retry settings.
	MaxRetries     uint64
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

type Store struct {
	db      *sqlx.DB
	objects *minio.Client
	cfg     Config
	logger  *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS call_events (
    id         BIGSERIAL PRIMARY KEY,
    kind       TEXT        NOT NULL,
    peer_id    TEXT        NOT NULL DEFAULT '',
    room_id    TEXT        NOT NULL DEFAULT '',
    detail     TEXT        NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
    id         BIGSERIAL PRIMARY KEY,
    peer_id    TEXT        NOT NULL,
    object_key TEXT        NOT NULL,
    width      INT         NOT NULL DEFAULT 0,
    height     INT         NOT NULL DEFAULT 0,
    taken_at   TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Open connects to Postgres and MinIO, ensures the schema and the bucket
// exist, and returns the store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	objects, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create minio client: %w", err)
	}

	exists, err := objects.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: check bucket: %w", err)
	}
	if !exists {
		if err := objects.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create bucket: %w", err)
		}
		logger.Info("created snapshot bucket", zap.String("bucket", cfg.Bucket))
	}

	return &Store{db: db, objects: objects, cfg: cfg, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CallEvent is one row in the call lifecycle log.
type CallEvent struct {
	Kind   string `db:"kind"`
	PeerID string `db:"peer_id"`
	RoomID string `db:"room_id"`
	Detail string `db:"detail"`
}

// LogCallEvent records one lifecycle event.
func (s *Store) LogCallEvent(ctx context.Context, ev CallEvent) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO call_events (kind, peer_id, room_id, detail)
		 VALUES (:kind, :peer_id, :room_id, :detail)`, ev)
	if err != nil {
		return fmt.Errorf("store: insert call event: %w", err)
	}
	return nil
}

// SaveSnapshot uploads the frame bytes and records a metadata row. Returns
// the object key.
func (s *Store) SaveSnapshot(ctx context.Context, peerID string, f render.Frame) (string, error) {
	if len(f.Data) == 0 {
		return "", fmt.Errorf("store: empty frame")
	}
	takenAt := f.Timestamp
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	key := fmt.Sprintf("snapshots/%s/%d.raw", peerID, takenAt.UnixNano())

	upload := func() error {
		upCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		_, err := s.objects.PutObject(upCtx, s.cfg.Bucket, key,
			bytes.NewReader(f.Data), int64(len(f.Data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), s.cfg.MaxRetries),
		ctx)
	if err := backoff.Retry(upload, policy); err != nil {
		return "", fmt.Errorf("store: upload snapshot: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (peer_id, object_key, width, height, taken_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		peerID, key, f.Width, f.Height, takenAt)
	if err != nil {
		return key, fmt.Errorf("store: record snapshot: %w", err)
	}

	s.logger.Info("snapshot saved", zap.String("peer", peerID), zap.String("key", key))
	return key, nil
}
