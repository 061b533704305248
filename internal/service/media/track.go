package media

import "sync"

// Track is a capture track handle. The Source owns it; capture loops hold
// non-owning references and watch Changed and Done to stop scheduling.
type Track struct {
	device Device

	mu      sync.Mutex
	enabled bool
	ended   bool
	changed chan struct{}
	done    chan struct{}
}

// NewTrack returns an enabled, live track.
func NewTrack(device Device) *Track {
	return &Track{
		device:  device,
		enabled: true,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *Track) Device() Device {
	return t.device
}

// Enabled reports whether the track is live and enabled.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.ended
}

// SetEnabled toggles track-level enablement (mute/unmute). It never touches
// the underlying device. No-op once the track has ended.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.enabled == enabled {
		return
	}
	t.enabled = enabled
	close(t.changed)
	t.changed = make(chan struct{})
}

// Changed returns a channel closed on the next enablement change.
func (t *Track) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// Done returns a channel closed when the track ends.
func (t *Track) Done() <-chan struct{} {
	return t.done
}

// Ended reports whether the track has been released.
func (t *Track) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// end stops the track. Returns false if it had already ended.
func (t *Track) end() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return false
	}
	t.ended = true
	close(t.done)
	return true
}
