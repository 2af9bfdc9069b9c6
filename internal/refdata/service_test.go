package refdata

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

type mockDeltaRepo struct {
	items  []Item
	lists  []PriceList
	prices []Price
	promos []Promotion
}

func (m *mockDeltaRepo) ItemsChangedSince(_ context.Context, _ tenant.Scope, since Cursor, limit int) ([]Item, error) {
	rows := append([]Item(nil), m.items...)
	sort.Slice(rows, func(i, j int) bool {
		return Cursor{TS: rows[i].UpdatedAt, ID: rows[i].ID}.Less(Cursor{TS: rows[j].UpdatedAt, ID: rows[j].ID})
	})
	var out []Item
	for _, r := range rows {
		if since.Less(Cursor{TS: r.UpdatedAt, ID: r.ID}) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockDeltaRepo) PriceListsChangedSince(_ context.Context, _ tenant.Scope, since Cursor, limit int) ([]PriceList, error) {
	var out []PriceList
	for _, r := range m.lists {
		if since.Less(Cursor{TS: r.UpdatedAt, ID: r.ID}) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockDeltaRepo) PricesChangedSince(_ context.Context, _ tenant.Scope, since Cursor, limit int) ([]Price, error) {
	var out []Price
	for _, r := range m.prices {
		if since.Less(Cursor{TS: r.UpdatedAt, ID: r.ID}) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockDeltaRepo) PromotionsChangedSince(_ context.Context, _ tenant.Scope, since Cursor, limit int) ([]Promotion, error) {
	var out []Promotion
	for _, r := range m.promos {
		if since.Less(Cursor{TS: r.UpdatedAt, ID: r.ID}) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func itemAt(updated time.Time) Item {
	return Item{ID: uuid.New(), SKU: "SKU-" + updated.Format("150405"), UpdatedAt: updated}
}

func TestChangesBootstrapAndCursorAdvance(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	last := itemAt(base.Add(time.Hour))
	repo := &mockDeltaRepo{
		items:  []Item{itemAt(base), last},
		promos: []Promotion{{ID: uuid.New(), UpdatedAt: base.Add(30 * time.Minute)}},
	}
	svc := NewService(repo)
	scope := tenant.Scope{CompanyID: uuid.New()}

	// Empty cursor: everything from the beginning.
	delta, err := svc.Changes(context.Background(), scope, "", 0)
	require.NoError(t, err)
	assert.Len(t, delta.Items, 2)
	assert.Len(t, delta.Promotions, 1)
	assert.False(t, delta.More)
	assert.Equal(t, Cursor{TS: last.UpdatedAt, ID: last.ID}.String(), delta.Cursor)

	// Pulling again from the returned cursor yields nothing new and keeps
	// the cursor in place.
	next, err := svc.Changes(context.Background(), scope, delta.Cursor, 0)
	require.NoError(t, err)
	assert.Empty(t, next.Items)
	assert.Empty(t, next.Promotions)
	assert.Equal(t, delta.Cursor, next.Cursor)
}

func TestChangesPagination(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &mockDeltaRepo{}
	for i := 0; i < 5; i++ {
		repo.items = append(repo.items, itemAt(base.Add(time.Duration(i)*time.Minute)))
	}
	svc := NewService(repo)
	scope := tenant.Scope{CompanyID: uuid.New()}

	delta, err := svc.Changes(context.Background(), scope, "", 2)
	require.NoError(t, err)
	assert.Len(t, delta.Items, 2)
	assert.True(t, delta.More)

	// Follow the cursor page by page to the end.
	seen := len(delta.Items)
	cursor := delta.Cursor
	for delta.More {
		delta, err = svc.Changes(context.Background(), scope, cursor, 2)
		require.NoError(t, err)
		seen += len(delta.Items)
		cursor = delta.Cursor
	}
	assert.Equal(t, 5, seen)
}

func TestChangesSharedTimestampDoesNotSkipRows(t *testing.T) {
	// A bulk import stamps every row with the same updated_at. Paging must
	// still visit each row exactly once, walking the id tiebreaker.
	stamp := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &mockDeltaRepo{}
	want := map[uuid.UUID]bool{}
	for i := 0; i < 7; i++ {
		it := itemAt(stamp)
		repo.items = append(repo.items, it)
		want[it.ID] = false
	}
	svc := NewService(repo)
	scope := tenant.Scope{CompanyID: uuid.New()}

	cursor := ""
	for pulls := 0; pulls < 10; pulls++ {
		delta, err := svc.Changes(context.Background(), scope, cursor, 3)
		require.NoError(t, err)
		for _, it := range delta.Items {
			assert.False(t, want[it.ID], "item %s delivered twice", it.ID)
			want[it.ID] = true
		}
		cursor = delta.Cursor
		if !delta.More {
			break
		}
	}
	for id, seen := range want {
		assert.True(t, seen, "item %s never delivered", id)
	}
}

func TestChangesIncludesPriceListsAndPrices(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	listID := uuid.New()
	repo := &mockDeltaRepo{
		lists: []PriceList{{ID: listID, Name: "Wholesale", Priority: 10, Active: true, UpdatedAt: base}},
		prices: []Price{
			{ID: uuid.New(), PriceListID: listID, ItemID: uuid.New(), Active: true, UpdatedAt: base.Add(time.Minute)},
			{ID: uuid.New(), PriceListID: listID, ItemID: uuid.New(), Active: true, UpdatedAt: base.Add(2 * time.Minute)},
		},
	}
	svc := NewService(repo)
	scope := tenant.Scope{CompanyID: uuid.New()}

	delta, err := svc.Changes(context.Background(), scope, "", 0)
	require.NoError(t, err)
	require.Len(t, delta.PriceLists, 1)
	assert.Equal(t, "Wholesale", delta.PriceLists[0].Name)
	assert.Len(t, delta.Prices, 2)
	assert.False(t, delta.More)
}

func TestChangesFilledEntityCapsCursor(t *testing.T) {
	// When one stream fills its page, the cursor must not advance past its
	// last row even though another stream has later changes.
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &mockDeltaRepo{
		promos: []Promotion{{ID: uuid.New(), UpdatedAt: base.Add(time.Hour)}},
	}
	for i := 0; i < 4; i++ {
		repo.items = append(repo.items, itemAt(base.Add(time.Duration(i)*time.Minute)))
	}
	svc := NewService(repo)
	scope := tenant.Scope{CompanyID: uuid.New()}

	delta, err := svc.Changes(context.Background(), scope, "", 2)
	require.NoError(t, err)
	assert.True(t, delta.More)

	got, err := ParseCursor(delta.Cursor)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), got.TS, "cursor must stop at the filled item page, not the promotion")

	// The remaining items arrive on the following pages.
	seen := len(delta.Items)
	cursor := delta.Cursor
	for delta.More {
		delta, err = svc.Changes(context.Background(), scope, cursor, 2)
		require.NoError(t, err)
		seen += len(delta.Items)
		cursor = delta.Cursor
	}
	assert.Equal(t, 4, seen)
}

func TestParseCursorAcceptsBareTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	got, err := ParseCursor(ts.Format(time.RFC3339Nano))
	require.NoError(t, err)
	assert.True(t, got.TS.Equal(ts))
	assert.Equal(t, uuid.Nil, got.ID)
}

func TestChangesRejectsBadCursor(t *testing.T) {
	svc := NewService(&mockDeltaRepo{})
	_, err := svc.Changes(context.Background(), tenant.Scope{CompanyID: uuid.New()}, "yesterday", 0)
	assert.Error(t, err)
}
