package util

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/xerrors"
)

// Backoff spaces out polls. The first pause is Min and every following
// one doubles, capped at Max.
type Backoff struct {
	Min   time.Duration
	Max   time.Duration
	Clock quartz.Clock
}

func (b Backoff) withDefaults() (Backoff, error) {
	if b.Clock == nil {
		b.Clock = quartz.NewReal()
	}
	if b.Min <= 0 {
		b.Min = 10 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 500 * time.Millisecond
	}
	if b.Min > b.Max {
		return b, xerrors.Errorf("min interval %s is greater than max interval %s", b.Min, b.Max)
	}
	return b, nil
}

// Poll calls condition until it reports true or fails, pausing between
// calls according to b. It has no deadline of its own: the condition
// decides when to give up, and ctx ends the wait early.
func Poll(ctx context.Context, b Backoff, condition func() (bool, error)) error {
	b, err := b.withDefaults()
	if err != nil {
		return err
	}
	interval := b.Min
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := condition()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer := b.Clock.NewTimer(interval, "util", "poll")
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		interval = min(interval*2, b.Max)
	}
}

// OpenAPISchema registers values as a string enum named enumName and
// returns a reference to it. See
// https://github.com/danielgtaylor/huma/issues/621#issuecomment-2456588788
func OpenAPISchema[T ~string](r huma.Registry, enumName string, values []T) *huma.Schema {
	if _, ok := r.Map()[enumName]; !ok {
		schema := r.Schema(reflect.TypeOf(""), true, enumName)
		schema.Title = enumName
		if len(values) > 0 {
			schema.Examples = []any{string(values[0])}
		}
		for _, v := range values {
			schema.Enum = append(schema.Enum, string(v))
		}
		r.Map()[enumName] = schema
	}
	return &huma.Schema{Ref: fmt.Sprintf("#/components/schemas/%s", enumName)}
}
