package messaging

import (
	"context"
)

// Response2 holds a reply that is exactly one of 2 types
type Response2[T1, T2 any] struct {
	index int
	value any
}

// Index returns the zero-based position of the received type
func (r Response2[T1, T2]) Index() int { return r.index }

// Value returns the received reply
func (r Response2[T1, T2]) Value() any { return r.value }

// Is1 returns the reply when it is a T1
func (r Response2[T1, T2]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

// Is2 returns the reply when it is a T2
func (r Response2[T1, T2]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

// Request2 sends request and waits for a reply of one of 2 types
func Request2[T1, T2 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response2[T1, T2], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2]())
	if err != nil {
		return Response2[T1, T2]{index: -1}, err
	}
	return Response2[T1, T2]{index: index, value: value}, nil
}

// Response3 holds a reply that is exactly one of 3 types
type Response3[T1, T2, T3 any] struct {
	index int
	value any
}

func (r Response3[T1, T2, T3]) Index() int { return r.index }

func (r Response3[T1, T2, T3]) Value() any { return r.value }

func (r Response3[T1, T2, T3]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response3[T1, T2, T3]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response3[T1, T2, T3]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

// Request3 sends request and waits for a reply of one of 3 types
func Request3[T1, T2, T3 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response3[T1, T2, T3], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3]())
	if err != nil {
		return Response3[T1, T2, T3]{index: -1}, err
	}
	return Response3[T1, T2, T3]{index: index, value: value}, nil
}

// Response4 holds a reply that is exactly one of 4 types
type Response4[T1, T2, T3, T4 any] struct {
	index int
	value any
}

func (r Response4[T1, T2, T3, T4]) Index() int { return r.index }

func (r Response4[T1, T2, T3, T4]) Value() any { return r.value }

func (r Response4[T1, T2, T3, T4]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response4[T1, T2, T3, T4]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response4[T1, T2, T3, T4]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

func (r Response4[T1, T2, T3, T4]) Is4() (T4, bool) {
	if r.index != 3 {
		var zero T4
		return zero, false
	}
	v, ok := r.value.(T4)
	return v, ok
}

// Request4 sends request and waits for a reply of one of 4 types
func Request4[T1, T2, T3, T4 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response4[T1, T2, T3, T4], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3](), candidate[T4]())
	if err != nil {
		return Response4[T1, T2, T3, T4]{index: -1}, err
	}
	return Response4[T1, T2, T3, T4]{index: index, value: value}, nil
}

// Response5 holds a reply that is exactly one of 5 types
type Response5[T1, T2, T3, T4, T5 any] struct {
	index int
	value any
}

func (r Response5[T1, T2, T3, T4, T5]) Index() int { return r.index }

func (r Response5[T1, T2, T3, T4, T5]) Value() any { return r.value }

func (r Response5[T1, T2, T3, T4, T5]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response5[T1, T2, T3, T4, T5]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response5[T1, T2, T3, T4, T5]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

func (r Response5[T1, T2, T3, T4, T5]) Is4() (T4, bool) {
	if r.index != 3 {
		var zero T4
		return zero, false
	}
	v, ok := r.value.(T4)
	return v, ok
}

func (r Response5[T1, T2, T3, T4, T5]) Is5() (T5, bool) {
	if r.index != 4 {
		var zero T5
		return zero, false
	}
	v, ok := r.value.(T5)
	return v, ok
}

// Request5 sends request and waits for a reply of one of 5 types
func Request5[T1, T2, T3, T4, T5 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response5[T1, T2, T3, T4, T5], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3](), candidate[T4](), candidate[T5]())
	if err != nil {
		return Response5[T1, T2, T3, T4, T5]{index: -1}, err
	}
	return Response5[T1, T2, T3, T4, T5]{index: index, value: value}, nil
}

// Response6 holds a reply that is exactly one of 6 types
type Response6[T1, T2, T3, T4, T5, T6 any] struct {
	index int
	value any
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Index() int { return r.index }

func (r Response6[T1, T2, T3, T4, T5, T6]) Value() any { return r.value }

func (r Response6[T1, T2, T3, T4, T5, T6]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Is4() (T4, bool) {
	if r.index != 3 {
		var zero T4
		return zero, false
	}
	v, ok := r.value.(T4)
	return v, ok
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Is5() (T5, bool) {
	if r.index != 4 {
		var zero T5
		return zero, false
	}
	v, ok := r.value.(T5)
	return v, ok
}

func (r Response6[T1, T2, T3, T4, T5, T6]) Is6() (T6, bool) {
	if r.index != 5 {
		var zero T6
		return zero, false
	}
	v, ok := r.value.(T6)
	return v, ok
}

// Request6 sends request and waits for a reply of one of 6 types
func Request6[T1, T2, T3, T4, T5, T6 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response6[T1, T2, T3, T4, T5, T6], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3](), candidate[T4](), candidate[T5](), candidate[T6]())
	if err != nil {
		return Response6[T1, T2, T3, T4, T5, T6]{index: -1}, err
	}
	return Response6[T1, T2, T3, T4, T5, T6]{index: index, value: value}, nil
}

// Response7 holds a reply that is exactly one of 7 types
type Response7[T1, T2, T3, T4, T5, T6, T7 any] struct {
	index int
	value any
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Index() int { return r.index }

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Value() any { return r.value }

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is4() (T4, bool) {
	if r.index != 3 {
		var zero T4
		return zero, false
	}
	v, ok := r.value.(T4)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is5() (T5, bool) {
	if r.index != 4 {
		var zero T5
		return zero, false
	}
	v, ok := r.value.(T5)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is6() (T6, bool) {
	if r.index != 5 {
		var zero T6
		return zero, false
	}
	v, ok := r.value.(T6)
	return v, ok
}

func (r Response7[T1, T2, T3, T4, T5, T6, T7]) Is7() (T7, bool) {
	if r.index != 6 {
		var zero T7
		return zero, false
	}
	v, ok := r.value.(T7)
	return v, ok
}

// Request7 sends request and waits for a reply of one of 7 types
func Request7[T1, T2, T3, T4, T5, T6, T7 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response7[T1, T2, T3, T4, T5, T6, T7], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3](), candidate[T4](), candidate[T5](), candidate[T6](), candidate[T7]())
	if err != nil {
		return Response7[T1, T2, T3, T4, T5, T6, T7]{index: -1}, err
	}
	return Response7[T1, T2, T3, T4, T5, T6, T7]{index: index, value: value}, nil
}

// Response8 holds a reply that is exactly one of 8 types
type Response8[T1, T2, T3, T4, T5, T6, T7, T8 any] struct {
	index int
	value any
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Index() int { return r.index }

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Value() any { return r.value }

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is1() (T1, bool) {
	if r.index != 0 {
		var zero T1
		return zero, false
	}
	v, ok := r.value.(T1)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is2() (T2, bool) {
	if r.index != 1 {
		var zero T2
		return zero, false
	}
	v, ok := r.value.(T2)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is3() (T3, bool) {
	if r.index != 2 {
		var zero T3
		return zero, false
	}
	v, ok := r.value.(T3)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is4() (T4, bool) {
	if r.index != 3 {
		var zero T4
		return zero, false
	}
	v, ok := r.value.(T4)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is5() (T5, bool) {
	if r.index != 4 {
		var zero T5
		return zero, false
	}
	v, ok := r.value.(T5)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is6() (T6, bool) {
	if r.index != 5 {
		var zero T6
		return zero, false
	}
	v, ok := r.value.(T6)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is7() (T7, bool) {
	if r.index != 6 {
		var zero T7
		return zero, false
	}
	v, ok := r.value.(T7)
	return v, ok
}

func (r Response8[T1, T2, T3, T4, T5, T6, T7, T8]) Is8() (T8, bool) {
	if r.index != 7 {
		var zero T8
		return zero, false
	}
	v, ok := r.value.(T8)
	return v, ok
}

// Request8 sends request and waits for a reply of one of 8 types
func Request8[T1, T2, T3, T4, T5, T6, T7, T8 any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (Response8[T1, T2, T3, T4, T5, T6, T7, T8], error) {
	index, value, err := bus.request(ctx, destination, request, opts, candidate[T1](), candidate[T2](), candidate[T3](), candidate[T4](), candidate[T5](), candidate[T6](), candidate[T7](), candidate[T8]())
	if err != nil {
		return Response8[T1, T2, T3, T4, T5, T6, T7, T8]{index: -1}, err
	}
	return Response8[T1, T2, T3, T4, T5, T6, T7, T8]{index: index, value: value}, nil
}
