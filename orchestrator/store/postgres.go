package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndex implements Index using a PostgreSQL backend.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex initializes a new PostgresIndex with a connection pool.
func NewPostgresIndex(ctx context.Context, connString string) (*PostgresIndex, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Tuned for many concurrent dedup lookups against few writers.
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresIndex{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresIndex) Close() {
	s.pool.Close()
}

// EnsureIndexes bootstraps the contents table and its secondary indexes.
// Every statement is IF NOT EXISTS so repeat startups are no-ops.
func (s *PostgresIndex) EnsureIndexes(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ,
			content_hash TEXT NOT NULL,
			tags TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_contents_content_hash ON contents (content_hash)`,
		`CREATE INDEX IF NOT EXISTS ix_contents_title_platform_created ON contents (title, platform, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS ix_contents_url ON contents (url)`,
		`CREATE INDEX IF NOT EXISTS ix_contents_created ON contents (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS ix_contents_platform_created ON contents (platform, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const contentColumns = `id, url, title, platform, author, content_text, published_at, content_hash, tags, created_at`

// InsertContent appends a content record. A content_hash collision surfaces
// as ErrDuplicateHash so the sink can treat the write as idempotent.
func (s *PostgresIndex) InsertContent(ctx context.Context, c *Content) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO contents (` + contentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.URL, c.Title, c.Platform, c.Author, c.Text,
		c.PublishedAt, c.ContentHash, c.Tags, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrDuplicateHash
		}
		return "", err
	}
	return c.ID, nil
}

func (s *PostgresIndex) scanContent(row pgx.Row) (*Content, error) {
	var c Content
	err := row.Scan(
		&c.ID, &c.URL, &c.Title, &c.Platform, &c.Author, &c.Text,
		&c.PublishedAt, &c.ContentHash, &c.Tags, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresIndex) FindByHash(ctx context.Context, hash string) (*Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents WHERE content_hash = $1 LIMIT 1`
	return s.scanContent(s.pool.QueryRow(ctx, query, hash))
}

func (s *PostgresIndex) FindByURL(ctx context.Context, url string) (*Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents WHERE url = $1 ORDER BY created_at DESC LIMIT 1`
	return s.scanContent(s.pool.QueryRow(ctx, query, url))
}

func (s *PostgresIndex) FindByURLSince(ctx context.Context, url string, since time.Time) (*Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents WHERE url = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT 1`
	return s.scanContent(s.pool.QueryRow(ctx, query, url, since))
}

func (s *PostgresIndex) FindByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents WHERE title = $1 AND platform = $2 AND created_at >= $3 ORDER BY created_at DESC LIMIT 1`
	return s.scanContent(s.pool.QueryRow(ctx, query, title, platform, since))
}

func (s *PostgresIndex) RecentContents(ctx context.Context, since time.Time, limit int) ([]*Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contents []*Content
	for rows.Next() {
		var c Content
		if err := rows.Scan(
			&c.ID, &c.URL, &c.Title, &c.Platform, &c.Author, &c.Text,
			&c.PublishedAt, &c.ContentHash, &c.Tags, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		contents = append(contents, &c)
	}
	return contents, rows.Err()
}
