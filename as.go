package pactor

import (
	"context"
	"time"
)

// As decodes a Call's raw result into a typed value, the supplemented
// generic counterpart of packio's as.h helper. It saves callers the
// result.Decode(&out) boilerplate and turns a malformed result into a
// call-level error instead of a decode panic further down the line.
func As[T any](ctx context.Context, s *Session, method string, args []any, timeout time.Duration) (T, error) {
	var zero T
	raw, err := s.Call(ctx, method, args, timeout)
	if err != nil {
		return zero, err
	}
	if raw == nil {
		return zero, nil
	}
	var out T
	if err := raw.Decode(&out); err != nil {
		return zero, newCallError("bad result type")
	}
	return out, nil
}
