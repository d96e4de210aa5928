// Package store provides the single persistent SQLite database shared by
// every component, following the single-writer/multi-reader discipline of
// spec.md §4.1: callers hold their own component-level mutex around writes,
// Store itself only guards against concurrent access to the *sqlx.DB handle.
package store

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	_ "embed"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNoRowsAffected is returned when an UPDATE/DELETE that is supposed
	// to have side effects touches zero rows.
	ErrNoRowsAffected = errors.New("store: no rows affected")

	// ErrUniqueConstraintViolation indicates a collision on a primary key
	// or a secondary unique index (e.g. a duplicate APN template name).
	ErrUniqueConstraintViolation = errors.New("store: unique constraint violation")

	// ErrNotFound indicates a row-by-id lookup found nothing.
	ErrNotFound = errors.New("store: not found")
)

//go:embed schema.sql
var schema string

var commentsAndEmptyLinesRegex = regexp.MustCompile("--.*?\n$|^\\s+$")

// Store wraps the database handle used by every component. Each component
// package owns its own tables (§3 "Ownership") and is expected to hold its
// own mutex around any multi-statement operation; Store's mutex only
// protects the handle itself from being closed out from under a live query.
type Store struct {
	mu sync.RWMutex
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// schema.sql idempotently.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// single-writer discipline: serialize sqlite access at the driver level.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func createSchema(db *sqlx.DB) error {
	for n, statement := range strings.Split(schema, ";") {
		statement = trimCommentsAndWhitespace(statement)
		if statement == "" {
			continue
		}
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("statement %d failed: %q: %w", n+1, statement, err)
		}
	}
	return nil
}

func trimCommentsAndWhitespace(s string) string {
	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		sb.Write(commentsAndEmptyLinesRegex.ReplaceAll([]byte(line), nil))
	}
	return sb.String()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for components to build queries with;
// components are responsible for their own locking discipline around writes.
func (s *Store) DB() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// CheckZeroRowsAffected turns a zero-rows-affected result into
// ErrNoRowsAffected, matching the teacher's CheckForZeroRowsAffected helper.
func CheckZeroRowsAffected(r sql.Result, err error) error {
	if err != nil {
		return classifyWriteErr(err)
	}
	if r == nil {
		return nil
	}
	affected, aerr := r.RowsAffected()
	if aerr != nil {
		return aerr
	}
	if affected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// ClassifyWriteErr maps a raw driver error onto the store's sentinel
// errors so callers can use errors.Is instead of string matching.
func ClassifyWriteErr(err error) error { return classifyWriteErr(err) }

func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrUniqueConstraintViolation
	}
	return err
}

// FactoryReset truncates every table named and runs VACUUM, used by
// Auth.FactoryReset (spec.md §4.8).
func (s *Store) FactoryReset(tables []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		log.Printf("[store] vacuum after factory reset failed: %v", err)
	}
	return nil
}
