// Package syncer runs the terminal's background synchronization: pushing the
// outbox in order and pulling reference data deltas. Connectivity loss slows
// the loops down; it never surfaces to the operator as an error.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cedarledger/cedarledger/internal/refdata"
	"github.com/cedarledger/cedarledger/internal/terminal/cache"
	"github.com/cedarledger/cedarledger/internal/terminal/client"
	"github.com/cedarledger/cedarledger/internal/terminal/outbox"
)

// Config tunes the sync loops.
type Config struct {
	// PushInterval is the idle period between push attempts when the
	// outbox is empty. A non-empty outbox pushes again immediately.
	PushInterval time.Duration
	// PullInterval is the period between refdata pulls.
	PullInterval time.Duration
	// MaxBatch bounds one push batch; must not exceed the server cap.
	MaxBatch int
	// OfflineBackoffCap bounds the retry delay while unreachable.
	OfflineBackoffCap time.Duration
	// Retention is how long acked events stay before pruning.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.PushInterval <= 0 {
		c.PushInterval = 5 * time.Second
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 5 * time.Minute
	}
	if c.MaxBatch <= 0 || c.MaxBatch > 200 {
		c.MaxBatch = 200
	}
	if c.OfflineBackoffCap <= 0 {
		c.OfflineBackoffCap = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Syncer owns the push and pull loops.
type Syncer struct {
	cfg    Config
	outbox *outbox.Store
	cache  *cache.Store
	client *client.Client
	logger *slog.Logger
}

// New constructs a syncer.
func New(cfg Config, ob *outbox.Store, ca *cache.Store, cl *client.Client, logger *slog.Logger) *Syncer {
	return &Syncer{cfg: cfg.withDefaults(), outbox: ob, cache: ca, client: cl, logger: logger}
}

// Run drives both loops until the context ends. In-flight events from a
// previous crash are reset first; the server dedupes any that were actually
// applied.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.outbox.ResetInFlight(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pushLoop(ctx) })
	g.Go(func() error { return s.pullLoop(ctx) })
	return g.Wait()
}

func (s *Syncer) pushLoop(ctx context.Context) error {
	backoff := time.Second
	for {
		drained, err := s.pushOnce(ctx)
		switch {
		case err == nil:
			backoff = time.Second
			if !drained {
				continue
			}
			if _, err := s.outbox.PruneAcked(s.cfg.Retention); err != nil {
				s.logger.Warn("prune acked events", slog.String("error", err.Error()))
			}
			if !sleep(ctx, s.cfg.PushInterval) {
				return ctx.Err()
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			// Offline, a server-side rejection, or a local storage hiccup: the
			// terminal keeps ringing sales regardless, so log, back off, and
			// try again. Only context cancellation ends the loop.
			if errors.Is(err, client.ErrOffline) {
				s.logger.Info("server unreachable, backing off",
					slog.Duration("retry_in", backoff))
			} else {
				s.logger.Error("push failed, backing off",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", backoff))
			}
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > s.cfg.OfflineBackoffCap {
				backoff = s.cfg.OfflineBackoffCap
			}
		}
	}
}

// pushOnce sends one batch. Returns drained=true when the outbox had nothing
// more to send.
func (s *Syncer) pushOnce(ctx context.Context) (bool, error) {
	batch, err := s.outbox.NextBatch(s.cfg.MaxBatch)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return true, nil
	}

	wire := make([]client.Event, len(batch))
	for i, ev := range batch {
		wire[i] = client.Event{
			EventID:   ev.EventID,
			Seq:       ev.Seq,
			EventType: ev.EventType,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		}
	}

	resp, err := s.client.Push(ctx, wire)
	if err != nil {
		// Put the batch back; offline retries it, a rejected request
		// needs operator attention but must not wedge the queue state.
		if resetErr := s.outbox.ResetInFlight(); resetErr != nil {
			return false, resetErr
		}
		if errors.Is(err, client.ErrOffline) {
			return false, err
		}
		s.logger.Error("push rejected", slog.String("error", err.Error()))
		return false, err
	}

	for _, result := range resp.Results {
		switch result.Status {
		case "acked", "duplicate":
			if err := s.outbox.Ack(result.EventID); err != nil {
				return false, err
			}
		case "rejected":
			s.logger.Warn("event rejected by server",
				slog.String("event_id", result.EventID),
				slog.String("reason", result.Reason))
			if err := s.outbox.MarkRejected(result.EventID, result.Reason); err != nil {
				return false, err
			}
		}
	}
	if resp.LastAppliedSeq > 0 {
		if err := s.outbox.AckThrough(resp.LastAppliedSeq); err != nil {
			return false, err
		}
	}
	return len(batch) < s.cfg.MaxBatch, nil
}

func (s *Syncer) pullLoop(ctx context.Context) error {
	for {
		if err := s.pullOnce(ctx); err != nil {
			if !errors.Is(err, client.ErrOffline) {
				s.logger.Error("pull failed", slog.String("error", err.Error()))
			}
		}
		if !sleep(ctx, s.cfg.PullInterval) {
			return ctx.Err()
		}
	}
}

// pullOnce follows More until the server has no newer reference data.
func (s *Syncer) pullOnce(ctx context.Context) error {
	for {
		cursor, err := s.cache.Cursor()
		if err != nil {
			return err
		}
		resp, err := s.client.Pull(ctx, cursor, 0)
		if err != nil {
			return err
		}

		delta := refdata.Delta{Cursor: resp.Cursor, More: resp.More}
		if len(resp.Items) > 0 {
			if err := json.Unmarshal(resp.Items, &delta.Items); err != nil {
				return err
			}
		}
		if len(resp.PriceLists) > 0 {
			if err := json.Unmarshal(resp.PriceLists, &delta.PriceLists); err != nil {
				return err
			}
		}
		if len(resp.Prices) > 0 {
			if err := json.Unmarshal(resp.Prices, &delta.Prices); err != nil {
				return err
			}
		}
		if len(resp.Promotions) > 0 {
			if err := json.Unmarshal(resp.Promotions, &delta.Promotions); err != nil {
				return err
			}
		}
		if err := s.cache.ApplyDelta(delta); err != nil {
			return err
		}
		if !resp.More {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
