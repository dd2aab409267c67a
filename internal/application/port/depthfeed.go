package port

import (
	"context"
	"errors"

	"terminus/internal/domain"
)

// ErrSnapshotUnsupported marks feeds that deliver their snapshot in-band over
// the socket instead of a REST endpoint.
var ErrSnapshotUnsupported = errors.New("depth source has no REST snapshot")

// DepthSource is one exchange's depth feed as seen by the sync controller:
// where to dial, what to send after connect, how to decode frames, and how to
// fetch a REST snapshot when the exchange has one.
type DepthSource interface {
	Exchange() string
	DialURL(symbol string) string
	// SubscribeFrames returns the raw frames to send right after connect.
	// May be nil for URL-addressed streams.
	SubscribeFrames(symbol string) [][]byte
	// FetchSnapshot fetches a REST depth snapshot, or ErrSnapshotUnsupported.
	FetchSnapshot(ctx context.Context, symbol string) (*domain.DepthSnapshot, error)
	// Decode turns one raw frame into a normalized event. Returns nil for
	// frames to ignore; malformed frames are dropped, never fatal.
	Decode(raw []byte, symbol string) *domain.DepthEvent
}
