package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTxAborted signals that the open transaction can no longer be used and
// the run must stop.
var ErrTxAborted = errors.New("transaction aborted")

// RunStatus mirrors the etl_runs.status column.
type RunStatus string

// Run statuses persisted in etl_runs.status.
const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// RunStatistics accumulates the counters of one pipeline run.
type RunStatistics struct {
	// Processed counts every item returned by the API.
	Processed int
	// Accepted counts items that passed the location filter (including parse failures).
	Accepted int
	// Filtered counts items outside the target location.
	Filtered int
	// Upserted counts successful writes; Inserted and Updated split it when known.
	Upserted int
	Inserted int
	Updated  int
	// Failed counts accepted items that were not written.
	Failed int
	// Pages counts fetched result pages.
	Pages int
	// MultiLocation and Nationwide are informational only.
	MultiLocation int
	Nationwide    int
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// CheckInvariants verifies the accounting identities of a completed run.
func (s RunStatistics) CheckInvariants() error {
	if s.Processed != s.Filtered+s.Accepted {
		return fmt.Errorf("processed %d != filtered %d + accepted %d", s.Processed, s.Filtered, s.Accepted)
	}
	if s.Accepted != s.Upserted+s.Failed {
		return fmt.Errorf("accepted %d != upserted %d + failed %d", s.Accepted, s.Upserted, s.Failed)
	}
	return nil
}

// RunRecord models one etl_runs row.
type RunRecord struct {
	RunID       uuid.UUID
	StartedAt   time.Time
	CompletedAt time.Time
	Status      RunStatus
	Stats       RunStatistics
}
