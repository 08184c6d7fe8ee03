package room

import (
	"time"

	"github.com/Icerzack/excalisync/internal/models"
)

type Config struct {
	// DrainTimeout is how long a room without online participants survives.
	DrainTimeout time.Duration

	// HeartbeatInterval is the period of the presence sweep.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout marks a silent participant offline.
	HeartbeatTimeout time.Duration

	// EvictAfter removes a silent participant from the room.
	EvictAfter time.Duration

	// ReplayBuffer is the number of sequenced operations kept for delta recovery.
	ReplayBuffer int

	// MaxReplayGap is the largest gap served as a delta instead of a snapshot.
	MaxReplayGap int

	// SnapshotInterval is the period of durable snapshots, zero disables them.
	SnapshotInterval time.Duration

	// LoadTimeout bounds reading a room from durable storage.
	LoadTimeout time.Duration

	// SaveTimeout bounds one snapshot write to durable storage.
	SaveTimeout time.Duration

	OutboundQueue int
	InboxSize     int
	PresenceQueue int

	Bounds models.Bounds
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 2 * c.HeartbeatTimeout
	}
	if c.ReplayBuffer <= 0 {
		c.ReplayBuffer = 1024
	}
	if c.MaxReplayGap <= 0 || c.MaxReplayGap > c.ReplayBuffer {
		c.MaxReplayGap = c.ReplayBuffer
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 5 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.PresenceQueue <= 0 {
		c.PresenceQueue = 256
	}
	return c
}
