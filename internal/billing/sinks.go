package billing

import (
	"context"
	"errors"

	"reviewdesk/internal/types"
)

// TeeSink records each dead letter to every wrapped sink. All sinks are
// attempted; their errors are joined.
type TeeSink []DeadLetterSink

func (t TeeSink) Record(ctx context.Context, dl *types.DeadLetter) error {
	var errs []error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
