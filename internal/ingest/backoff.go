package ingest

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

// retrySchedule computes the next attempt time: capped exponential backoff
// with deterministic per-event jitter so a fleet of failed events does not
// retry in lockstep.
type retrySchedule struct {
	Base time.Duration
	Cap  time.Duration
}

func defaultRetrySchedule() retrySchedule {
	return retrySchedule{Base: time.Second, Cap: 5 * time.Minute}
}

// NextAttemptAt returns when a failed event should be retried. attempt is the
// number of attempts made so far (>= 1).
func (r retrySchedule) NextAttemptAt(now time.Time, eventID string, attempt int) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	delay := r.Base << uint(attempt-1)
	if delay > r.Cap || delay <= 0 {
		delay = r.Cap
	}

	// Deterministic jitter: same event and attempt always land on the same
	// slot, so retries stay reproducible while storms spread out.
	digest := sha1.Sum([]byte(fmt.Sprintf("%s:%d", eventID, attempt)))
	window := delay / 5
	if window < time.Second {
		window = time.Second
	}
	if window > 30*time.Second {
		window = 30 * time.Second
	}
	jitter := time.Duration(binary.BigEndian.Uint32(digest[:4])) % window
	if delay+jitter > r.Cap {
		return now.Add(r.Cap)
	}
	return now.Add(delay + jitter)
}
