package peer

import "github.com/pion/webrtc/v4"

// MediaSource supplies the local tracks attached to every new link before
// negotiation starts. Acquisition and rendering are owned by the caller.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// NopSource is a media source with no tracks, for data-channel-only peers.
type NopSource struct{}

func (NopSource) Tracks() []webrtc.TrackLocal { return nil }
func (NopSource) Stop()                       {}
