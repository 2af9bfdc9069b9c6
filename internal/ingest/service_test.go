package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

type mockEventRepo struct {
	staged    map[uuid.UUID]*StagedEvent
	stageErr  error
	finished  []uuid.UUID
	watermark map[uuid.UUID]int64
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{
		staged:    make(map[uuid.UUID]*StagedEvent),
		watermark: make(map[uuid.UUID]int64),
	}
}

func (m *mockEventRepo) Stage(_ context.Context, scope tenant.Scope, deviceID uuid.UUID, ev InboundEvent) (bool, error) {
	if m.stageErr != nil {
		return false, m.stageErr
	}
	if _, ok := m.staged[ev.EventID]; ok {
		return false, nil
	}
	m.staged[ev.EventID] = &StagedEvent{
		EventID:   ev.EventID,
		DeviceID:  deviceID,
		CompanyID: scope.CompanyID,
		Seq:       ev.Seq,
		EventType: ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
		Status:    StatusPending,
	}
	return true, nil
}

func (m *mockEventRepo) FetchNextDue(_ context.Context, limit int) ([]StagedEvent, error) {
	var due []StagedEvent
	for _, ev := range m.staged {
		if ev.Status != StatusPending && ev.Status != StatusFailed {
			continue
		}
		if m.hasEarlierUnprocessed(ev) {
			continue
		}
		due = append(due, *ev)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if len(due) > limit {
		due = due[:limit]
	}
	// Claimed rows move to applying, mirroring the store: a second worker
	// fetching before this batch finishes sees nothing.
	for i := range due {
		m.staged[due[i].EventID].Status = StatusApplying
		due[i].Status = StatusApplying
	}
	return due, nil
}

// hasEarlierUnprocessed mirrors the store's per-device order gate: an event
// is held back while any earlier staged event of its device is not processed.
func (m *mockEventRepo) hasEarlierUnprocessed(ev *StagedEvent) bool {
	for _, p := range m.staged {
		if p.DeviceID == ev.DeviceID && p.Seq < ev.Seq && p.Status != StatusProcessed {
			return true
		}
	}
	return false
}

func (m *mockEventRepo) MarkFailed(_ context.Context, eventID uuid.UUID, attempt int, reason string, nextAttempt *time.Time, dead bool) error {
	ev := m.staged[eventID]
	ev.AttemptCount = attempt
	ev.LastError = &reason
	ev.NextAttemptAt = nextAttempt
	if dead {
		ev.Status = StatusDead
	} else {
		ev.Status = StatusFailed
	}
	return nil
}

func (m *mockEventRepo) FinishApplied(_ context.Context, _ tenant.Scope, deviceID, eventID uuid.UUID, seq int64) error {
	m.staged[eventID].Status = StatusProcessed
	m.finished = append(m.finished, eventID)
	if seq > m.watermark[deviceID] {
		m.watermark[deviceID] = seq
	}
	return nil
}

func (m *mockEventRepo) Watermark(_ context.Context, _ tenant.Scope, deviceID uuid.UUID) (int64, error) {
	return m.watermark[deviceID], nil
}

func (m *mockEventRepo) Requeue(_ context.Context, _ tenant.Scope, eventID uuid.UUID) error {
	ev, ok := m.staged[eventID]
	if !ok || (ev.Status != StatusFailed && ev.Status != StatusDead) {
		return ErrEventNotFound
	}
	ev.Status = StatusPending
	ev.NextAttemptAt = nil
	return nil
}

func (m *mockEventRepo) List(_ context.Context, _ tenant.Scope, filter ListFilter) ([]StagedEvent, error) {
	var out []StagedEvent
	for _, ev := range m.staged {
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

type mockDeviceRepo struct {
	devices map[uuid.UUID]devices.Device
}

func (m *mockDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (devices.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return devices.Device{}, devices.ErrNotFound
	}
	return d, nil
}

func (m *mockDeviceRepo) GetByCode(_ context.Context, _ tenant.Scope, _ string) (devices.Device, error) {
	return devices.Device{}, devices.ErrNotFound
}

func (m *mockDeviceRepo) List(_ context.Context, _ tenant.Scope) ([]devices.Device, error) {
	return nil, nil
}

func (m *mockDeviceRepo) Insert(_ context.Context, _ devices.Device) error { return nil }

func (m *mockDeviceRepo) UpdateTokenHash(_ context.Context, _ tenant.Scope, _ uuid.UUID, _ []byte) error {
	return nil
}

type mockShiftRepo struct {
	shifts   map[uuid.UUID]*shifts.Shift
	closeErr error
}

func newMockShiftRepo() *mockShiftRepo {
	return &mockShiftRepo{shifts: make(map[uuid.UUID]*shifts.Shift)}
}

func (m *mockShiftRepo) Get(_ context.Context, _ tenant.Scope, id uuid.UUID) (shifts.Shift, error) {
	s, ok := m.shifts[id]
	if !ok {
		return shifts.Shift{}, shifts.ErrNotFound
	}
	return *s, nil
}

func (m *mockShiftRepo) OpenIdempotent(_ context.Context, _ tenant.Scope, shift shifts.Shift) error {
	if _, ok := m.shifts[shift.ID]; ok {
		return nil
	}
	shift.Status = shifts.StatusOpen
	m.shifts[shift.ID] = &shift
	return nil
}

func (m *mockShiftRepo) Close(_ context.Context, _ tenant.Scope, id uuid.UUID, declared shifts.Declared, closedAt time.Time) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	s, ok := m.shifts[id]
	if !ok {
		return shifts.ErrNotFound
	}
	if s.Status != shifts.StatusOpen {
		return nil
	}
	s.Status = shifts.StatusClosed
	s.ClosingCashUSD = &declared.ClosingCashUSD
	s.ClosingCashLBP = &declared.ClosingCashLBP
	s.ClosedAt = &closedAt
	return nil
}

func (m *mockShiftRepo) OpenByDevice(_ context.Context, _ tenant.Scope, deviceID uuid.UUID) (shifts.Shift, error) {
	for _, s := range m.shifts {
		if s.DeviceID == deviceID && s.Status == shifts.StatusOpen {
			return *s, nil
		}
	}
	return shifts.Shift{}, shifts.ErrNotFound
}

func (m *mockShiftRepo) ClosedOn(_ context.Context, _ tenant.Scope, _ time.Time) ([]shifts.Shift, error) {
	return nil, nil
}

type staticRateRepo struct {
	rate decimal.Decimal
}

func (r staticRateRepo) GetRate(_ context.Context, _ tenant.Scope, rateType fx.RateType, rateDate time.Time) (fx.Rate, error) {
	return fx.Rate{USDToLBP: r.rate, Type: rateType, RateDate: rateDate}, nil
}

func (r staticRateRepo) GetLatestRateBefore(_ context.Context, _ tenant.Scope, rateType fx.RateType, rateDate time.Time) (fx.Rate, error) {
	return fx.Rate{USDToLBP: r.rate, Type: rateType, RateDate: rateDate}, nil
}

type fixture struct {
	svc     *Service
	repo    *mockEventRepo
	shifts  *mockShiftRepo
	device  devices.Device
	scope   tenant.Scope
	baseNow time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	companyID := uuid.New()
	device := devices.Device{ID: uuid.New(), CompanyID: companyID, DeviceCode: "POS-01"}
	repo := newMockEventRepo()
	shiftRepo := newMockShiftRepo()
	resolver := fx.NewResolver(staticRateRepo{rate: decimal.NewFromInt(90000)}, logger)

	svc := NewService(repo, &mockDeviceRepo{devices: map[uuid.UUID]devices.Device{device.ID: device}},
		nil, nil, shiftRepo, resolver, nil, nil, logger, 3, time.Minute)
	baseNow := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return baseNow })

	return &fixture{
		svc:     svc,
		repo:    repo,
		shifts:  shiftRepo,
		device:  device,
		scope:   tenant.Scope{CompanyID: companyID},
		baseNow: baseNow,
	}
}

// drain runs ProcessDue until the queue goes idle, the way the worker does.
func (f *fixture) drain(t *testing.T) (processed, failed int) {
	t.Helper()
	for {
		p, fl, err := f.svc.ProcessDue(context.Background(), 10)
		require.NoError(t, err)
		processed += p
		failed += fl
		if p+fl == 0 {
			return processed, failed
		}
	}
}

func shiftOpenEvent(seq int64) InboundEvent {
	return InboundEvent{
		EventID:   uuid.New(),
		Seq:       seq,
		EventType: EventShiftOpened,
		Payload:   json.RawMessage(`{"opening_cash_usd": "100", "opening_cash_lbp": "4500000"}`),
		CreatedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestSubmitBatchAcksAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ev := shiftOpenEvent(1)

	results, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{ev})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultAcked, results[0].Status)

	// The terminal lost the ack and resends the same batch.
	results, err = f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, results[0].Status)
	assert.Len(t, f.repo.staged, 1)
}

func TestSubmitBatchRejectsMalformedEvents(t *testing.T) {
	f := newFixture(t)
	good := shiftOpenEvent(2)
	bad := InboundEvent{
		EventID:   uuid.New(),
		Seq:       3,
		EventType: EventShiftOpened,
		Payload:   json.RawMessage(`{"opening_cash_usd": "-1"}`),
		CreatedAt: time.Now(),
	}
	noID := shiftOpenEvent(4)
	noID.EventID = uuid.Nil

	results, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{good, bad, noID})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ResultAcked, results[0].Status)
	assert.Equal(t, ResultRejected, results[1].Status)
	assert.NotEmpty(t, results[1].Reason)
	assert.Equal(t, ResultRejected, results[2].Status)
	assert.Equal(t, "event_id is required", results[2].Reason)

	// Rejected events are never staged.
	assert.Len(t, f.repo.staged, 1)
}

func TestProcessDueAppliesShiftLifecycle(t *testing.T) {
	f := newFixture(t)
	open := shiftOpenEvent(1)
	closeEv := InboundEvent{
		EventID:   uuid.New(),
		Seq:       2,
		EventType: EventShiftClosed,
		Payload:   json.RawMessage(`{"closing_cash_usd": "180", "closing_cash_lbp": "5000000", "invoice_count": 9}`),
		CreatedAt: time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC),
	}

	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{open, closeEv})
	require.NoError(t, err)

	processed, failed := f.drain(t)
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)

	// Shift opened under the event id, then closed with declared figures.
	shift, err := f.shifts.Get(context.Background(), f.scope, open.EventID)
	require.NoError(t, err)
	assert.Equal(t, shifts.StatusClosed, shift.Status)
	require.NotNil(t, shift.ClosingCashUSD)
	assert.Equal(t, "180", shift.ClosingCashUSD.String())

	mark, err := f.svc.Watermark(context.Background(), f.scope, f.device.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, mark)
}

func TestProcessDueShiftCloseWithoutOpenIsApplied(t *testing.T) {
	f := newFixture(t)
	closeEv := InboundEvent{
		EventID:   uuid.New(),
		Seq:       1,
		EventType: EventShiftClosed,
		Payload:   json.RawMessage(`{"closing_cash_usd": "10"}`),
		CreatedAt: time.Now().UTC(),
	}
	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{closeEv})
	require.NoError(t, err)

	processed, failed, err := f.svc.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)
	assert.Equal(t, StatusProcessed, f.repo.staged[closeEv.EventID].Status)
}

func TestProcessDueRetriesThenParksDead(t *testing.T) {
	f := newFixture(t)
	f.shifts.closeErr = errors.New("shift table unavailable")

	// Seed an open shift so the close path reaches Close and fails there.
	shiftID := uuid.New()
	f.shifts.shifts[shiftID] = &shifts.Shift{
		ID: shiftID, CompanyID: f.scope.CompanyID, DeviceID: f.device.ID, Status: shifts.StatusOpen,
	}
	closeEv := InboundEvent{
		EventID:   uuid.New(),
		Seq:       1,
		EventType: EventShiftClosed,
		Payload:   json.RawMessage(`{"closing_cash_usd": "10"}`),
		CreatedAt: time.Now().UTC(),
	}
	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{closeEv})
	require.NoError(t, err)

	// maxAttempts is 3 in the fixture.
	for attempt := 1; attempt <= 3; attempt++ {
		processed, failed, err := f.svc.ProcessDue(context.Background(), 10)
		require.NoError(t, err)
		assert.Zero(t, processed)
		assert.Equal(t, 1, failed)
	}

	ev := f.repo.staged[closeEv.EventID]
	assert.Equal(t, StatusDead, ev.Status)
	assert.Equal(t, 3, ev.AttemptCount)
	assert.Nil(t, ev.NextAttemptAt)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "shift table unavailable")

	// Retry scheduling before death was deterministic and in the future.
	require.NoError(t, f.svc.Requeue(context.Background(), f.scope, closeEv.EventID))
	assert.Equal(t, StatusPending, f.repo.staged[closeEv.EventID].Status)
}

func TestProcessDueUnknownEventTypeFails(t *testing.T) {
	f := newFixture(t)
	evID := uuid.New()
	f.repo.staged[evID] = &StagedEvent{
		EventID:   evID,
		DeviceID:  f.device.ID,
		CompanyID: f.scope.CompanyID,
		Seq:       1,
		EventType: EventType("stock.counted"),
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}

	processed, failed, err := f.svc.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, StatusFailed, f.repo.staged[evID].Status)
	assert.NotNil(t, f.repo.staged[evID].NextAttemptAt)
}

func TestFetchDueClaimsEvents(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{shiftOpenEvent(1)})
	require.NoError(t, err)

	first, err := f.repo.FetchNextDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, StatusApplying, first[0].Status)

	// A second worker fetching before the first finishes gets nothing.
	second, err := f.repo.FetchNextDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, f.repo.FinishApplied(context.Background(), f.scope, f.device.ID, first[0].EventID, first[0].Seq))
	assert.Equal(t, StatusProcessed, f.repo.staged[first[0].EventID].Status)
}

func TestProcessDueKeepsPerDeviceOrderAcrossBatches(t *testing.T) {
	f := newFixture(t)

	// The later batch lands first after a connectivity blip; application
	// must still run in seq order once both are staged.
	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{shiftOpenEvent(3), shiftOpenEvent(4)})
	require.NoError(t, err)
	_, err = f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{shiftOpenEvent(1), shiftOpenEvent(2)})
	require.NoError(t, err)

	processed, failed := f.drain(t)
	assert.Equal(t, 4, processed)
	assert.Zero(t, failed)

	var seqs []int64
	for _, id := range f.repo.finished {
		seqs = append(seqs, f.repo.staged[id].Seq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs)
}

func TestProcessDueHoldsLaterEventsBehindFailure(t *testing.T) {
	f := newFixture(t)

	// seq 1 cannot be applied; seq 2 must wait behind it.
	badID := uuid.New()
	f.repo.staged[badID] = &StagedEvent{
		EventID:   badID,
		DeviceID:  f.device.ID,
		CompanyID: f.scope.CompanyID,
		Seq:       1,
		EventType: EventType("stock.counted"),
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	good := shiftOpenEvent(2)
	_, err := f.svc.SubmitBatch(context.Background(), f.device, []InboundEvent{good})
	require.NoError(t, err)

	processed, failed, err := f.svc.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, StatusPending, f.repo.staged[good.EventID].Status)
}

func TestFiftyEventsAcrossThreeBatchesWithOneRepeat(t *testing.T) {
	f := newFixture(t)

	var events []InboundEvent
	for seq := int64(1); seq <= 50; seq++ {
		events = append(events, shiftOpenEvent(seq))
	}
	batches := [][]InboundEvent{events[:17], events[17:34], events[34:]}

	for i, batch := range batches {
		results, err := f.svc.SubmitBatch(context.Background(), f.device, batch)
		require.NoError(t, err)
		for _, res := range results {
			assert.Equal(t, ResultAcked, res.Status, "batch %d", i)
		}
	}

	// The middle batch's ack was lost; the terminal resends it verbatim.
	results, err := f.svc.SubmitBatch(context.Background(), f.device, batches[1])
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, ResultDuplicate, res.Status)
	}
	assert.Len(t, f.repo.staged, 50)

	processed, failed := f.drain(t)
	assert.Equal(t, 50, processed)
	assert.Zero(t, failed)
	assert.Len(t, f.repo.finished, 50)

	mark, err := f.svc.Watermark(context.Background(), f.scope, f.device.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, mark)
}
