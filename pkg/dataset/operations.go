package dataset

import (
	"context"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/journal"
)

// OperationsSince returns a cursor over every journal entry this dataset has
// recorded since time, for streaming to a peer whose clock is behind ours.
// time is the requester's own clock; ticks is how many of our own ticks the
// requester has already observed (via clock.GetTicks), so the cursor starts
// just after that tick. Each entry is further filtered to only those whose
// LocalTime is not already dominated by time, since entries this dataset
// itself generated from previously-applied remote deltas may already be
// known to the requester.
func (d *Dataset) OperationsSince(ctx context.Context, time clock.Clock) (*journal.Cursor, error) {
	local, err := d.journal.CurrentTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset: operations since: %w", err)
	}

	ticks, ok := time.GetTicks(local)
	if !ok {
		return nil, ErrCannotRevup
	}

	filter := func(e journal.Entry) bool {
		return clock.AnyLt(time, e.LocalTime, clock.IncludeIds)
	}
	return d.journal.EntriesFrom(uint64(ticks), filter), nil
}
