package engine

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// newShortID returns prefix + "_" + the first n hex chars of a random UUID.
// Run records use short prefixed ids (wfr_, log_, hnd_, dlv_) so they stay
// readable in logs and URLs.
func newShortID(prefix string, n int) string {
	u := uuid.New()
	h := hex.EncodeToString(u[:])
	if n > len(h) {
		n = len(h)
	}
	return prefix + "_" + h[:n]
}

func newRunID() string         { return newShortID("wfr", 12) }
func newLogID() string         { return newShortID("log", 10) }
func newHandoffID() string     { return newShortID("hnd", 10) }
func newDeliverableID() string { return newShortID("dlv", 10) }
