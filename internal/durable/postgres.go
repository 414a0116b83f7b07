package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/John-Rood/MemoryRouter-sub003/internal/vectorindex"
)

// Schema creates the tables used by PostgresRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_chunks (
	memory_key TEXT NOT NULL,
	id         BIGINT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	embedding  BYTEA NOT NULL,
	timestamp  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (memory_key, id)
);

CREATE TABLE IF NOT EXISTS memory_buffers (
	memory_key   TEXT PRIMARY KEY,
	pending_text TEXT NOT NULL,
	token_count  INTEGER NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "memoryrouter",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewPostgresRepository opens and pings a PostgreSQL database.
func NewPostgresRepository(cfg PostgresConfig) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an already opened database handle.
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Stats exposes the connection pool statistics.
func (r *PostgresRepository) Stats() sql.DBStats {
	return r.db.Stats()
}

// InsertChunk stores a chunk. Rows already present are left untouched.
func (r *PostgresRepository) InsertChunk(ctx context.Context, row ChunkRow) error {
	blob, err := vectorindex.EncodeVector(row.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding of chunk %d: %w", row.ID, err)
	}

	query := `
		INSERT INTO memory_chunks (memory_key, id, role, content, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (memory_key, id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		row.MemoryKey, int64(row.ID), row.Role, row.Content, blob, row.Timestamp,
	); err != nil {
		return fmt.Errorf("insert chunk %d: %w", row.ID, err)
	}
	return nil
}

// ListChunksByKey returns the chunks of key with id > afterID in id order.
func (r *PostgresRepository) ListChunksByKey(ctx context.Context, key string, afterID uint32) ([]ChunkRow, error) {
	query := `
		SELECT id, role, content, embedding, timestamp
		FROM memory_chunks
		WHERE memory_key = $1 AND id > $2
		ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, key, int64(afterID))
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkRow
	for rows.Next() {
		var (
			id   int64
			blob []byte
			row  = ChunkRow{MemoryKey: key}
		)
		if err := rows.Scan(&id, &row.Role, &row.Content, &blob, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		row.ID = uint32(id)
		if row.Embedding, err = vectorindex.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %d: %w", id, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// UpsertBuffer replaces the buffer row of a key.
func (r *PostgresRepository) UpsertBuffer(ctx context.Context, row BufferRow) error {
	query := `
		INSERT INTO memory_buffers (memory_key, pending_text, token_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (memory_key) DO UPDATE SET
			pending_text = EXCLUDED.pending_text,
			token_count = EXCLUDED.token_count,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		row.MemoryKey, row.PendingText, row.TokenCount, row.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert buffer: %w", err)
	}
	return nil
}

// GetBuffer returns the buffer row of key, or nil when there is none.
func (r *PostgresRepository) GetBuffer(ctx context.Context, key string) (*BufferRow, error) {
	query := `
		SELECT pending_text, token_count, updated_at
		FROM memory_buffers
		WHERE memory_key = $1`

	row := BufferRow{MemoryKey: key}
	err := r.db.QueryRowContext(ctx, query, key).Scan(&row.PendingText, &row.TokenCount, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query buffer: %w", err)
	}
	return &row, nil
}

// Cursor returns the highest persisted chunk id and the chunk count of key.
func (r *PostgresRepository) Cursor(ctx context.Context, key string) (Cursor, error) {
	query := `
		SELECT COALESCE(MAX(id), 0), COUNT(*)
		FROM memory_chunks
		WHERE memory_key = $1`

	var last int64
	var count int
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&last, &count); err != nil {
		return Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	return Cursor{LastChunkID: uint32(last), Count: count}, nil
}
