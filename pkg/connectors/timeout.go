package connectors

import (
	"context"
	"errors"
	"time"
)

// WithTimeout bounds every mutating or reading call of c by d. Deadline
// failures are reported as ErrorKindTimeout. A non-positive d returns c.
func WithTimeout(c Connector, d time.Duration) Connector {
	if d <= 0 {
		return c
	}
	return &timeoutConnector{inner: c, timeout: d}
}

type timeoutConnector struct {
	inner   Connector
	timeout time.Duration
}

// Unwrap returns the wrapped adapter.
func (t *timeoutConnector) Unwrap() Connector {
	return t.inner
}

func (t *timeoutConnector) Kind() string {
	return t.inner.Kind()
}

func (t *timeoutConnector) Create(ctx context.Context, entry Entry) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.inner.Create(ctx, entry)
	return res, t.classify(ctx, "create", entry.ID, err)
}

func (t *timeoutConnector) Update(ctx context.Context, id string, changes Attributes) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.inner.Update(ctx, id, changes)
	return res, t.classify(ctx, "update", id, err)
}

func (t *timeoutConnector) Delete(ctx context.Context, id string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.inner.Delete(ctx, id)
	return res, t.classify(ctx, "delete", id, err)
}

func (t *timeoutConnector) Read(ctx context.Context, id string) (Attributes, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	attrs, err := t.inner.Read(ctx, id)
	return attrs, t.classify(ctx, "read", id, err)
}

func (t *timeoutConnector) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return t.inner.TestConnection(ctx)
}

func (t *timeoutConnector) classify(ctx context.Context, op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && KindOf(err) != ErrorKindNotFound {
		return NewError(ErrorKindTimeout, t.inner.Kind(), op, id,
			"backend did not answer within "+t.timeout.String(), err)
	}
	return Classify(t.inner.Kind(), op, id, err)
}
