package syncer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cedarledger/cedarledger/internal/refdata"
	"github.com/cedarledger/cedarledger/internal/terminal/cache"
	"github.com/cedarledger/cedarledger/internal/terminal/client"
	"github.com/cedarledger/cedarledger/internal/terminal/outbox"
)

type fixture struct {
	syncer *Syncer
	outbox *outbox.Store
	cache  *cache.Store
}

func newFixture(t *testing.T, serverURL string) fixture {
	t.Helper()
	obDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ob, err := outbox.OpenWithDB(obDB)
	require.NoError(t, err)

	caDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ca, err := cache.OpenWithDB(caDB)
	require.NoError(t, err)

	cl := client.New(serverURL, "term-01", "secret", 2*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{MaxBatch: 10}, ob, ca, cl, logger)
	return fixture{syncer: s, outbox: ob, cache: ca}
}

type salePayload struct {
	Total string `json:"total"`
}

// pushHandler acks everything and reports the highest seq it saw.
func pushHandler(t *testing.T, lastSeq *int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "term-01", r.Header.Get(client.HeaderDeviceID))
		var body struct {
			Events []client.Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		resp := client.PushResponse{}
		for _, ev := range body.Events {
			if ev.Seq > resp.LastAppliedSeq {
				resp.LastAppliedSeq = ev.Seq
			}
			resp.Results = append(resp.Results, client.EventResult{
				EventID: ev.EventID,
				Status:  "acked",
			})
		}
		if lastSeq != nil {
			*lastSeq = resp.LastAppliedSeq
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestPushOnceAcksBatch(t *testing.T) {
	var lastSeq int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sync/push", pushHandler(t, &lastSeq))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	_, err := fx.outbox.Enqueue("sale", salePayload{Total: "12.50"})
	require.NoError(t, err)
	_, err = fx.outbox.Enqueue("sale", salePayload{Total: "9.00"})
	require.NoError(t, err)

	drained, err := fx.syncer.pushOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
	assert.EqualValues(t, 2, lastSeq)

	pending, err := fx.outbox.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPushOnceEmptyOutboxIsDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty outbox")
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	drained, err := fx.syncer.pushOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestPushOnceOfflineKeepsBatchResendable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	ev, err := fx.outbox.Enqueue("sale", salePayload{Total: "4.00"})
	require.NoError(t, err)

	_, err = fx.syncer.pushOnce(context.Background())
	require.ErrorIs(t, err, client.ErrOffline)

	// The same event goes out again on the next attempt.
	batch, err := fx.outbox.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ev.EventID, batch[0].EventID)
}

func TestPushOnceMarksServerRejections(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []client.Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Events, 1)

		resp := client.PushResponse{Results: []client.EventResult{{
			EventID: body.Events[0].EventID,
			Status:  "rejected",
			Reason:  "unknown event type",
		}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	_, err := fx.outbox.Enqueue("bogus", salePayload{})
	require.NoError(t, err)

	_, err = fx.syncer.pushOnce(context.Background())
	require.NoError(t, err)

	pending, err := fx.outbox.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)

	rejected, err := fx.outbox.Rejected()
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "unknown event type", rejected[0].LastError)
}

func TestPushLoopSurvivesPersistentRejection(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"title": "Unauthorized", "detail": "bad token"})
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	_, err := fx.outbox.Enqueue("sale", salePayload{Total: "4.00"})
	require.NoError(t, err)

	// The server refuses every batch. The loop must keep retrying until the
	// context ends rather than killing the whole agent.
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	err = fx.syncer.pushLoop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, client.ErrRejected)
	assert.GreaterOrEqual(t, requests.Load(), int32(2))

	// The batch is still there for the next attempt.
	batch, err := fx.outbox.NextBatch(10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestPullOnceFollowsPages(t *testing.T) {
	itemA := refdata.Item{
		ID:        uuid.New(),
		SKU:       "SKU-A",
		Name:      "Arak",
		Barcode:   "628100",
		PriceUSD:  decimal.RequireFromString("12.5"),
		PriceLBP:  decimal.RequireFromString("1125000"),
		Active:    true,
		UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	itemB := itemA
	itemB.ID = uuid.New()
	itemB.SKU = "SKU-B"
	itemB.Name = "Labneh"
	itemB.Barcode = "628101"
	itemB.UpdatedAt = time.Now().UTC().Add(-time.Hour)

	cursorA := itemA.UpdatedAt.Format(time.RFC3339Nano)
	cursorB := itemB.UpdatedAt.Format(time.RFC3339Nano)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		var page client.PullResponse
		switch r.URL.Query().Get("cursor") {
		case "":
			items, _ := json.Marshal([]refdata.Item{itemA})
			page = client.PullResponse{Items: items, Cursor: cursorA, More: true}
		case cursorA:
			items, _ := json.Marshal([]refdata.Item{itemB})
			page = client.PullResponse{Items: items, Cursor: cursorB}
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	require.NoError(t, fx.syncer.pullOnce(context.Background()))

	n, err := fx.cache.ItemCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	cursor, err := fx.cache.Cursor()
	require.NoError(t, err)
	assert.Equal(t, cursorB, cursor)

	it, ok, err := fx.cache.LookupBarcode("628101")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Labneh", it.Name)
}

func TestPullOnceCachesPriceLists(t *testing.T) {
	item := refdata.Item{
		ID:        uuid.New(),
		SKU:       "SKU-A",
		Name:      "Arak",
		Barcode:   "628100",
		PriceUSD:  decimal.RequireFromString("12.5"),
		PriceLBP:  decimal.RequireFromString("1125000"),
		Active:    true,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	list := refdata.PriceList{ID: uuid.New(), Name: "Wholesale", Priority: 10, Active: true, UpdatedAt: item.UpdatedAt}
	price := refdata.Price{
		ID:          uuid.New(),
		PriceListID: list.ID,
		ItemID:      item.ID,
		PriceUSD:    decimal.RequireFromString("10.25"),
		PriceLBP:    decimal.RequireFromString("920000"),
		Active:      true,
		UpdatedAt:   item.UpdatedAt,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		items, _ := json.Marshal([]refdata.Item{item})
		lists, _ := json.Marshal([]refdata.PriceList{list})
		prices, _ := json.Marshal([]refdata.Price{price})
		page := client.PullResponse{
			Items:      items,
			PriceLists: lists,
			Prices:     prices,
			Cursor:     item.UpdatedAt.Format(time.RFC3339Nano),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	require.NoError(t, fx.syncer.pullOnce(context.Background()))

	usd, lbp, err := fx.cache.EffectivePrice(item.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "10.25", usd)
	assert.Equal(t, "920000", lbp)
}

func TestPullOnceOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL)
	err := fx.syncer.pullOnce(context.Background())
	require.ErrorIs(t, err, client.ErrOffline)
}
