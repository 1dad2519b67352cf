package observation

import (
	"context"
	"errors"
	"fmt"
)

// Notifier is told about every new observation.
type Notifier interface {
	NotifyObservation(ctx context.Context, ev *Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev *Event) error

func (f NotifierFunc) NotifyObservation(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// Fanout delivers each event to every notifier in order. One failing
// notifier does not stop the others; their errors are joined.
type Fanout []Notifier

func (f Fanout) NotifyObservation(ctx context.Context, ev *Event) error {
	var errs []error
	for i, n := range f {
		if n == nil {
			continue
		}
		if err := n.NotifyObservation(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
