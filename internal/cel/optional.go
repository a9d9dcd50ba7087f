// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cel

import "github.com/google/cel-go/common/types/ref"

// Optional is a small Go-side mirror of CEL's optional_type<T>, used by Go
// callers that consume a Program's result without wanting to unwrap
// cel-go's ref.Val machinery by hand. It gives Go code the same "value or
// absent, never an error" shape that CEL's `.?` operator gives expressions.
type Optional[T any] struct {
	value   T
	present bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] { return Optional[T]{value: v, present: true} }

// None returns an absent Optional.
func None[T any]() Optional[T] { return Optional[T]{} }

// IsPresent reports whether the optional carries a value.
func (o Optional[T]) IsPresent() bool { return o.present }

// Get returns the wrapped value and whether it was present, mirroring the
// comma-ok idiom used everywhere else in this codebase.
func (o Optional[T]) Get() (T, bool) { return o.value, o.present }

// OrElse returns the wrapped value, or fallback if absent.
func (o Optional[T]) OrElse(fallback T) T {
	if o.present {
		return o.value
	}
	return fallback
}

// ValOptional converts a CEL optional ref.Val (the result of evaluating an
// expression that used `.?`) into an Optional[ref.Val]. A non-optional
// result is treated as always-present.
func ValOptional(v ref.Val) Optional[ref.Val] {
	type celOptional interface {
		HasValue() bool
		GetValue() ref.Val
	}
	if o, ok := v.(celOptional); ok {
		if !o.HasValue() {
			return None[ref.Val]()
		}
		return Some(o.GetValue())
	}
	return Some(v)
}
