// Package server provides the HTTP surface of the live pair service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateSessionRequest is the HTTP request body for starting a session from a capture.
type CreateSessionRequest struct {
	// StillPath is the raw still on the server's filesystem.
	StillPath string `json:"still_path" validate:"required"`
	// VideoPath is the raw clip on the server's filesystem.
	VideoPath string `json:"video_path" validate:"required"`
	// Orientation is the EXIF orientation of the capture. Defaults to the
	// still's own flag, or 1.
	Orientation int `json:"orientation" validate:"omitempty,min=1,max=8"`
	// Scale is the capture zoom factor. Defaults to 1.
	Scale float64 `json:"scale" validate:"omitempty,gt=0,lte=16"`
	// CapturedAt is the capture timestamp.
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// SetOverlayRequest is the HTTP request body for replacing an overlay layer.
type SetOverlayRequest struct {
	// ImageBase64 is the base64-encoded PNG or JPEG overlay, in display orientation.
	ImageBase64 string `json:"image_base64" validate:"required,base64"`
}

// PairResponse describes a paired still and video.
type PairResponse struct {
	ImagePath         string  `json:"image_path"`
	VideoPath         string  `json:"video_path"`
	ContentIdentifier string  `json:"content_identifier"`
	StillTimeSec      float64 `json:"still_time_sec"`
	DurationSec       float64 `json:"duration_sec"`
	Composited        bool    `json:"composited"`
}

// SessionResponse is the HTTP response describing a session.
type SessionResponse struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// Status is the session state.
	Status string `json:"status"`
	// Generation increments on every overlay change.
	Generation uint64 `json:"generation"`
	// Progress is the composite progress in [0, 1].
	Progress float64 `json:"progress"`
	// Loading is true while a composite for the current overlays is pending.
	Loading bool `json:"loading"`
	// Ready is true when a pair is displayed.
	Ready bool `json:"ready"`
	// Overlays lists the enabled overlay kinds.
	Overlays []string `json:"overlays"`
	// Current is the displayed pair.
	Current *PairResponse `json:"current,omitempty"`
	// Error is the most recent composite failure.
	Error string `json:"error,omitempty"`
}

// SaveResponse is the HTTP response after saving a session.
type SaveResponse struct {
	// Location is where the pair was stored.
	Location string `json:"location"`
	// Image and Video are the locations of each half.
	Image string `json:"image"`
	Video string `json:"video"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
