package oplog

// State is the user-facing sync indicator derived from the log.
type State string

// Sync states, in increasing order of severity.
const (
	StateIdle           State = "idle"
	StateSyncing        State = "syncing"
	StateNeedsAttention State = "needs_attention"
	StateAuthRequired   State = "auth_required"
)

// Health is the read model exposed to the UI and metrics. It is computed from
// the operations table only, so indicators clear exactly when the queue does.
type Health struct {
	PendingCount           int   `json:"pending_count"`
	FailedCount            int   `json:"failed_count"`
	AuthFailedCount        int   `json:"auth_failed_count"`
	OldestPendingAgeMillis int64 `json:"oldest_pending_age_millis"`
}

// State reports the indicator for this snapshot. Dead letters take precedence
// over pending work: a queue with any failed record needs attention even while
// unrelated records keep syncing.
func (h Health) State() State {
	switch {
	case h.AuthFailedCount > 0:
		return StateAuthRequired
	case h.FailedCount > 0:
		return StateNeedsAttention
	case h.PendingCount > 0:
		return StateSyncing
	default:
		return StateIdle
	}
}
