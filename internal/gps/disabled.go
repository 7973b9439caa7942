package gps

import (
	"context"

	"github.com/banshee-data/livemap/internal/location"
)

// Unavailable is a PositionSource for when no receiver could be opened. It
// lets the server and map run without hardware; every request fails with
// the error that prevented opening the receiver.
type Unavailable struct {
	err *location.Error
}

// NewUnavailable returns a source failing with err. A nil err reports that
// geolocation is not supported.
func NewUnavailable(err error) *Unavailable {
	le := location.AsError(err)
	if le == nil {
		le = location.ErrNotSupported
	}
	return &Unavailable{err: le}
}

func (u *Unavailable) GetOnce(context.Context) (location.Position, error) {
	return location.Position{}, u.err
}

func (u *Unavailable) Subscribe(location.Sink) (location.SourceHandle, error) {
	return "", u.err
}

func (u *Unavailable) Cancel(location.SourceHandle) {}

// QueryPermission reports denied when the receiver refused access and
// defers to probing otherwise.
func (u *Unavailable) QueryPermission(context.Context) (location.PermissionState, error) {
	if u.err.PermissionFailure() {
		return location.PermissionDenied, nil
	}
	return "", location.ErrPermissionQueryUnsupported
}

// Err is the error every call fails with.
func (u *Unavailable) Err() *location.Error { return u.err }
