// Package evolution is the outbound gateway to the Evolution API server.
//
// Every call wraps one HTTP request with a fixed timeout and collapses all
// transport and shape failures into typed results — nothing here panics or
// returns a raw transport error to the reconciliation loop.
package evolution

import "encoding/json"

// Instance is one hosted bot session as reported by the listing endpoint.
// Read-only: re-fetched fresh every cycle, never mutated or cached.
type Instance struct {
	// Name uniquely identifies the instance on the Evolution server.
	Name string
	// APIKey authenticates per-instance calls (connect, logout).
	APIKey string
	// RegisteredNumber is the customer number on record, as listed.
	RegisteredNumber string
	// OwnerJID is the device session identifier of the currently bound
	// device, e.g. "5511999990000@s.whatsapp.net". Empty when unbound.
	OwnerJID string
	// StatusHint is the coarse lower-cased connection state from the
	// listing call: "open", "close", "connecting", …
	StatusHint string
}

// Connection states classified from the per-instance connect endpoint.
type StatusKind string

const (
	StatusQRCode    StatusKind = "qr_code"
	StatusConnected StatusKind = "connected"
	StatusUnknown   StatusKind = "unknown"
	StatusError     StatusKind = "error"
)

// QR payload encodings.
type QRFormat string

const (
	// FormatText is a textual code the browser renders into a QR image.
	FormatText QRFormat = "text"
	// FormatImage is a ready-made image: a data URL or raw base64 PNG.
	FormatImage QRFormat = "image"
)

// QRStatus is the classified result of one connect poll. Transient; never
// persisted.
type QRStatus struct {
	Kind StatusKind `json:"status"`
	// QRCode and QRFormat are set when Kind is StatusQRCode.
	QRCode   string   `json:"qrcode,omitempty"`
	QRFormat QRFormat `json:"qr_format,omitempty"`
	// Raw carries the upstream body for operator diagnosis when Kind is
	// StatusUnknown.
	Raw json.RawMessage `json:"raw,omitempty"`
	// Message is a user-facing description when Kind is StatusError.
	Message string `json:"message,omitempty"`
}

// Profile is the bot's own WhatsApp profile, shown on the pairing page.
type Profile struct {
	ProfileName   string `json:"profileName"`
	Name          string `json:"name"`
	Number        string `json:"number"`
	ProfilePicURL string `json:"profilePicUrl"`
}
