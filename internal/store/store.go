// Package store provides SQLite-backed persistence for game records, rounds and
// the world lore cache.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tatianab/storyforge/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func encodeChoices(choices []models.Choice) (string, error) {
	if len(choices) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(choices)
	if err != nil {
		return "", fmt.Errorf("marshal choices: %w", err)
	}
	return string(encoded), nil
}

func decodeChoices(value string) ([]models.Choice, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var choices []models.Choice
	if err := json.Unmarshal([]byte(value), &choices); err != nil {
		return nil, fmt.Errorf("unmarshal choices: %w", err)
	}
	return choices, nil
}

// Store provides SQLite-backed persistence.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (and migrates) a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// FindWorld returns cached lore for a world.
func (s *Store) FindWorld(ctx context.Context, name string) (models.WorldInfo, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT author, original_language, abstract, category FROM worlds WHERE name = ?`,
		strings.TrimSpace(name))

	info := models.WorldInfo{Exists: true}
	if err := row.Scan(&info.Author, &info.OriginalLanguage, &info.Abstract, &info.Category); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorldInfo{}, false, nil
		}
		return models.WorldInfo{}, false, fmt.Errorf("find world: %w", err)
	}
	return info, true, nil
}

// SaveWorld caches lore for an existing world.
func (s *Store) SaveWorld(ctx context.Context, name string, info models.WorldInfo) error {
	if !info.Exists {
		return fmt.Errorf("refusing to cache a world that does not exist")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (name, author, original_language, abstract, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			author = excluded.author,
			original_language = excluded.original_language,
			abstract = excluded.abstract,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		strings.TrimSpace(name), info.Author, info.OriginalLanguage, info.Abstract, info.Category, now, now)
	if err != nil {
		return fmt.Errorf("save world: %w", err)
	}
	return nil
}
