package api

import (
	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/livelocation"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/render"
)

// Placeholder labels drawn when there is no position. They match the two
// retry affordances in the state JSON.
const (
	LabelPermissionDenied    = "Location access denied"
	LabelLocationUnavailable = "Location unavailable"
)

// PlaceholderLabel picks the label for a frame without a position. An
// empty label keeps the pipeline's default.
func PlaceholderLabel(s livelocation.State) string {
	switch httputil.RetryKind(s.Error) {
	case httputil.RetryPermission:
		return LabelPermissionDenied
	case httputil.RetryLocation:
		return LabelLocationUnavailable
	}
	if s.Permission == location.PermissionDenied {
		return LabelPermissionDenied
	}
	return ""
}

// RenderState returns a controller listener that keeps the pipeline's
// scene in step with the controller.
func RenderState(p *render.Pipeline) func(livelocation.State) {
	return func(s livelocation.State) {
		p.SetScene(s.Location, s.IsTracking, PlaceholderLabel(s), s.Seq)
	}
}
