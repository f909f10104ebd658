package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/hash/sha256"
)

func TestItemStoreAcceptInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hasher := sha256.New()
	store, err := NewItemStoreWithPool(mock, "items", hasher)
	require.NoError(t, err)

	item := crawler.Item{
		SessionID: "s-1",
		URL:       "https://www.example.com/posts/1?utm_source=feed",
		Page:      2001,
		Year:      2020,
		Timestamp: "2020-04-02T10:00:00Z",
	}
	wantHash, err := hasher.Hash([]byte("https://example.com/posts/1"))
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO items").
		WithArgs("s-1", wantHash, item.URL, 2001, 2020, &item.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Accept(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreAcceptReportsDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "", sha256.New())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO items").
		WithArgs("s-1", pgxmock.AnyArg(), "https://example.com/a", 3, 2020, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.Accept(context.Background(), crawler.Item{SessionID: "s-1", URL: "https://example.com/a", Page: 3, Year: 2020})
	require.ErrorIs(t, err, ErrDuplicateItem)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreListItems(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "items", sha256.New())
	require.NoError(t, err)

	ts := "2020-01-01"
	rows := pgxmock.NewRows([]string{"url", "page", "year", "item_ts"}).
		AddRow("https://example.com/a", 10, 2020, &ts).
		AddRow("https://example.com/b", 11, 2020, (*string)(nil))
	mock.ExpectQuery("SELECT url, page, year, item_ts").WithArgs("s-1").WillReturnRows(rows)

	items, err := store.ListItems(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, []crawler.Item{
		{SessionID: "s-1", URL: "https://example.com/a", Page: 10, Year: 2020, Timestamp: ts},
		{SessionID: "s-1", URL: "https://example.com/b", Page: 11, Year: 2020},
	}, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewItemStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewItemStoreWithPool(mock, "items; DROP TABLE x", sha256.New())
	require.Error(t, err)
	_, err = NewItemStoreWithPool(mock, "items", nil)
	require.Error(t, err)
}
