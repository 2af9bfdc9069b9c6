package devices

import (
	"time"

	"github.com/google/uuid"
)

// Device is a registered POS terminal. It defines the event-ordering scope:
// events from one device apply in creation order, tracked by LastAppliedSeq.
type Device struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	BranchID       *uuid.UUID
	DeviceCode     string
	TokenHash      []byte
	LastAppliedSeq int64
	CreatedAt      time.Time
}
