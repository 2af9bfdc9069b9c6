package refdata

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

const defaultPageSize = 500

// Cursor is a pull position: the (updated_at, id) key of the last row the
// terminal has seen. The id tiebreaker matters because bulk imports stamp
// many rows with the same updated_at; a timestamp-only cursor would skip the
// boundary rows that did not fit in a page.
type Cursor struct {
	TS time.Time
	ID uuid.UUID
}

// IsZero reports an unset cursor (fresh terminal, pull from the beginning).
func (c Cursor) IsZero() bool {
	return c.TS.IsZero() && c.ID == uuid.Nil
}

// Less orders cursors by (TS, ID).
func (c Cursor) Less(other Cursor) bool {
	if !c.TS.Equal(other.TS) {
		return c.TS.Before(other.TS)
	}
	return bytes.Compare(c.ID[:], other.ID[:]) < 0
}

// String encodes the cursor as "<RFC3339Nano>|<uuid>".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return c.TS.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
}

// ParseCursor decodes a pull cursor. An empty cursor means "from the
// beginning" so a fresh terminal bootstraps with the same endpoint. A bare
// timestamp (no id part) is accepted from terminals that synced before the
// tiebreaker existed.
func ParseCursor(cursor string) (Cursor, error) {
	if cursor == "" {
		return Cursor{}, nil
	}
	tsPart, idPart, hasID := strings.Cut(cursor, "|")
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return Cursor{}, fmt.Errorf("refdata: bad cursor %q: %w", cursor, err)
	}
	c := Cursor{TS: ts}
	if hasID {
		id, err := uuid.Parse(idPart)
		if err != nil {
			return Cursor{}, fmt.Errorf("refdata: bad cursor %q: %w", cursor, err)
		}
		c.ID = id
	}
	return c, nil
}

// Service pages reference data deltas for terminal pulls.
type Service struct {
	repo Repository
}

// NewService constructs the delta service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// entityPage tracks one entity stream's contribution to the page cursor.
type entityPage struct {
	last   Cursor
	filled bool
	empty  bool
}

// Changes returns one delta page after the cursor. More is set when any
// entity page filled, telling the terminal to pull again immediately. The
// next cursor never advances past a filled entity's last row, so rows the
// page had no room for are re-read rather than skipped; the terminal cache
// upserts, so the overlap on the other entities is harmless.
func (s *Service) Changes(ctx context.Context, scope tenant.Scope, cursor string, limit int) (Delta, error) {
	since, err := ParseCursor(cursor)
	if err != nil {
		return Delta{}, err
	}
	if limit <= 0 || limit > 5000 {
		limit = defaultPageSize
	}

	items, err := s.repo.ItemsChangedSince(ctx, scope, since, limit)
	if err != nil {
		return Delta{}, err
	}
	lists, err := s.repo.PriceListsChangedSince(ctx, scope, since, limit)
	if err != nil {
		return Delta{}, err
	}
	prices, err := s.repo.PricesChangedSince(ctx, scope, since, limit)
	if err != nil {
		return Delta{}, err
	}
	promos, err := s.repo.PromotionsChangedSince(ctx, scope, since, limit)
	if err != nil {
		return Delta{}, err
	}

	pages := []entityPage{
		pageOf(len(items), limit, func(i int) Cursor { return Cursor{TS: items[i].UpdatedAt, ID: items[i].ID} }),
		pageOf(len(lists), limit, func(i int) Cursor { return Cursor{TS: lists[i].UpdatedAt, ID: lists[i].ID} }),
		pageOf(len(prices), limit, func(i int) Cursor { return Cursor{TS: prices[i].UpdatedAt, ID: prices[i].ID} }),
		pageOf(len(promos), limit, func(i int) Cursor { return Cursor{TS: promos[i].UpdatedAt, ID: promos[i].ID} }),
	}

	delta := Delta{
		Items:      items,
		PriceLists: lists,
		Prices:     prices,
		Promotions: promos,
		Cursor:     nextCursor(since, pages).String(),
	}
	for _, p := range pages {
		if p.filled {
			delta.More = true
		}
	}
	if delta.Cursor == "" {
		delta.Cursor = cursor
	}
	return delta, nil
}

func pageOf(n, limit int, keyAt func(int) Cursor) entityPage {
	if n == 0 {
		return entityPage{empty: true}
	}
	return entityPage{last: keyAt(n - 1), filled: n == limit}
}

// nextCursor picks the new pull position: the minimum last-row key among
// filled entity pages (nothing beyond it may be skipped), or the overall
// maximum when every stream fit in the page.
func nextCursor(since Cursor, pages []entityPage) Cursor {
	var capped Cursor
	haveCap := false
	for _, p := range pages {
		if p.filled && (!haveCap || p.last.Less(capped)) {
			capped = p.last
			haveCap = true
		}
	}
	if haveCap {
		return capped
	}
	next := since
	for _, p := range pages {
		if !p.empty && next.Less(p.last) {
			next = p.last
		}
	}
	return next
}
