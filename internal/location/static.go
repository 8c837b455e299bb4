package location

import (
	"context"
	"time"
)

// StaticSource replays a fixed list of readings, Interval apart, then keeps
// the watch open until cancelled. Used for bench setups without a receiver.
type StaticSource struct {
	Readings []Reading
	Interval time.Duration
}

func (s StaticSource) Watch(ctx context.Context, _ WatchOptions, emit func(Reading)) error {
	for i, r := range s.Readings {
		if i > 0 && s.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.Interval):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}
		emit(r)
	}
	<-ctx.Done()
	return nil
}
