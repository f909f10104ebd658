package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// ErrDuplicateItem is returned by Accept when the session already holds the URL.
var ErrDuplicateItem = errors.New("item already stored for session")

// ItemStore persists collected items. The table is expected to look like:
//
//	CREATE TABLE items (
//	    seq        bigserial,
//	    session_id text NOT NULL,
//	    url_hash   text NOT NULL,
//	    url        text NOT NULL,
//	    page       integer NOT NULL,
//	    year       integer NOT NULL,
//	    item_ts    text,
//	    PRIMARY KEY (session_id, url_hash)
//	);
type ItemStore struct {
	pool   pool
	table  string
	hasher crawler.Hasher
}

// NewItemStore creates an ItemStore with its own connection pool.
func NewItemStore(ctx context.Context, cfg PoolConfig, table string, hasher crawler.Hasher) (*ItemStore, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewItemStoreWithPool(p, table, hasher)
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(p pool, table string, hasher crawler.Hasher) (*ItemStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if table == "" {
		table = "items"
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &ItemStore{pool: p, table: table, hasher: hasher}, nil
}

func checkTable(table string) error {
	if table != "" && !validTableName.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Accept inserts item keyed by the hash of its normalized URL.
func (s *ItemStore) Accept(ctx context.Context, item crawler.Item) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("item store is not configured")
	}
	if item.SessionID == "" {
		return fmt.Errorf("item session id is required")
	}
	key := item.URL
	if normalized, err := crawler.NormalizeURL(item.URL); err == nil {
		key = normalized
	}
	urlHash, err := s.hasher.Hash([]byte(key))
	if err != nil {
		return fmt.Errorf("hash item url: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, url_hash, url, page, year, item_ts)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (session_id, url_hash) DO NOTHING`, s.table)

	var ts *string
	if item.Timestamp != "" {
		ts = &item.Timestamp
	}
	tag, err := s.pool.Exec(ctx, query, item.SessionID, urlHash, item.URL, item.Page, item.Year, ts)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateItem
	}
	return nil
}

// ListItems returns the stored items of a session in emission order.
func (s *ItemStore) ListItems(ctx context.Context, sessionID string) ([]crawler.Item, error) {
	query := fmt.Sprintf(`
SELECT url, page, year, item_ts
FROM %s
WHERE session_id = $1
ORDER BY seq ASC`, s.table)
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []crawler.Item
	for rows.Next() {
		item := crawler.Item{SessionID: sessionID}
		var ts *string
		if err := rows.Scan(&item.URL, &item.Page, &item.Year, &ts); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		if ts != nil {
			item.Timestamp = *ts
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}
