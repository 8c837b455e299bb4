package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldkit/shopcollector/internal/proxy"
)

var _ proxy.Store = (*Store)(nil)

// Get returns the cached entry for key in cache.
func (s *Store) Get(ctx context.Context, cache, key string) (proxy.Entry, bool, error) {
	var (
		e         proxy.Entry
		header    string
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, header, body, fetched_at
		FROM cache_entries WHERE cache_name = ? AND key = ?`, cache, key,
	).Scan(&e.Key, &e.Status, &header, &e.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return proxy.Entry{}, false, nil
	}
	if err != nil {
		return proxy.Entry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return proxy.Entry{}, false, fmt.Errorf("decoding cached header for %s: %w", key, err)
	}
	if e.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt); err != nil {
		return proxy.Entry{}, false, fmt.Errorf("parsing fetched_at: %w", err)
	}
	return e, true, nil
}

// Put upserts e into cache.
func (s *Store) Put(ctx context.Context, cache string, e proxy.Entry) error {
	header, err := json.Marshal(headerOrEmpty(e.Header))
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	fetched := e.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_name, key, status, header, body, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_name, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			fetched_at = excluded.fetched_at`,
		cache, e.Key, e.Status, string(header), body, fetched.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Caches lists the stored generation names.
func (s *Store) Caches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name")
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DeleteCache removes every entry of cache.
func (s *Store) DeleteCache(ctx context.Context, cache string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_name = ?", cache); err != nil {
		return fmt.Errorf("deleting cache %s: %w", cache, err)
	}
	return nil
}

// CacheStats reports entry counts and sizes per generation.
func (s *Store) CacheStats(ctx context.Context) ([]CacheStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_name, COUNT(*), COALESCE(SUM(LENGTH(body)), 0), MAX(fetched_at)
		FROM cache_entries GROUP BY cache_name ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("reading cache stats: %w", err)
	}
	defer rows.Close()

	var out []CacheStats
	for rows.Next() {
		var (
			st     CacheStats
			newest string
		)
		if err := rows.Scan(&st.Name, &st.Entries, &st.Bytes, &newest); err != nil {
			return nil, err
		}
		st.NewestAt, _ = time.Parse(time.RFC3339Nano, newest)
		out = append(out, st)
	}
	return out, rows.Err()
}

func headerOrEmpty(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h
}
