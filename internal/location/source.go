package location

import "context"

// SourceHandle is the platform's token for one continuous subscription.
// An empty handle means the subscription did not start.
type SourceHandle string

// Sink receives asynchronous deliveries from a subscription. Either callback
// may be invoked from any goroutine, including before Subscribe returns.
type Sink struct {
	OnSample func(Position)
	OnError  func(error)
}

// PositionSource is the host's location service.
type PositionSource interface {
	// GetOnce performs a one-shot fetch. Implementations should honour ctx
	// cancellation; callers bound the wait themselves.
	GetOnce(ctx context.Context) (Position, error)

	// Subscribe opens a continuous subscription delivering into sink.
	Subscribe(sink Sink) (SourceHandle, error)

	// Cancel releases a subscription. Unknown handles are ignored. The
	// source may still deliver a few samples after Cancel returns.
	Cancel(h SourceHandle)

	// QueryPermission consults the platform permission registry, returning
	// ErrPermissionQueryUnsupported when there is none.
	QueryPermission(ctx context.Context) (PermissionState, error)
}
