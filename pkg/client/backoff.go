package client

import "time"

// backoff produces the reconnection delay sequence: initial, doubling per
// consecutive failure, capped at max. Reset after any successful connect.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the sequence.
func (b *backoff) Next() time.Duration {
	d := b.next
	doubled := b.next * 2
	if doubled > b.max {
		doubled = b.max
	}
	b.next = doubled
	return d
}

func (b *backoff) Reset() {
	b.next = b.initial
}
