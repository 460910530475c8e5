package stream

import "errors"

// Map returns a stream of fn applied to every value of s.
// The result observes s only while it has listeners itself.
func Map[T, U any](s *Stream[T], fn func(T) U) *Stream[U] {
	return FromBinder(func(e Emitter[U]) (Unbinder, error) {
		sub, err := s.Observe(func(v T) { e.Emit(fn(v)) })
		if err != nil {
			return nil, err
		}
		return sub.Close, nil
	}).SetName(s.Name() + ".map")
}

// Filter returns a stream of the values of s for which keep returns true.
func Filter[T any](s *Stream[T], keep func(T) bool) *Stream[T] {
	return FromBinder(func(e Emitter[T]) (Unbinder, error) {
		sub, err := s.Observe(func(v T) {
			if keep(v) {
				e.Emit(v)
			}
		})
		if err != nil {
			return nil, err
		}
		return sub.Close, nil
	}).SetName(s.Name() + ".filter")
}

// Merge returns a stream of the values of all streams. If activating one of
// them fails, the ones already activated are closed again.
func Merge[T any](streams ...*Stream[T]) *Stream[T] {
	return FromBinder(func(e Emitter[T]) (Unbinder, error) {
		subs := make([]*Subscription, 0, len(streams))
		closeAll := func() error {
			var errs []error
			for _, sub := range subs {
				errs = append(errs, sub.Close())
			}
			return errors.Join(errs...)
		}

		for _, s := range streams {
			sub, err := s.Observe(e.Emit)
			if err != nil {
				return nil, errors.Join(err, closeAll())
			}
			subs = append(subs, sub)
		}
		return closeAll, nil
	}).SetName("merge")
}
