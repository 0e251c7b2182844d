package domain

import "context"

// Recorders fans a failure out to every sink in order. It stops at the first
// error so the item stays unacknowledged until all sinks hold the record.
type Recorders []FailureRecorder

func (rs Recorders) Record(ctx context.Context, rec FailureRecord) error {
	for _, r := range rs {
		if err := r.Record(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
