package replicator

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Telemetry aggregates replication counters across all connections. Counters
// are atomic so diagnostics endpoints can snapshot them off-thread.
type Telemetry struct {
	messagesSent     atomic.Uint64
	bytesSent        atomic.Uint64
	nodeCreates      atomic.Uint64
	nodeDeltas       atomic.Uint64
	nodeRemoves      atomic.Uint64
	latestUpdates    atomic.Uint64
	throttled        atomic.Uint64
	packageFragments atomic.Uint64
	remoteEvents     atomic.Uint64
	tickDurationMs   atomic.Int64
	debug            bool
}

// TelemetrySnapshot is the JSON shape served by the diagnostics endpoint.
type TelemetrySnapshot struct {
	MessagesSent     uint64 `json:"messagesSent"`
	BytesSent        uint64 `json:"bytesSent"`
	NodeCreates      uint64 `json:"nodeCreates"`
	NodeDeltas       uint64 `json:"nodeDeltas"`
	NodeRemoves      uint64 `json:"nodeRemoves"`
	LatestUpdates    uint64 `json:"latestUpdates"`
	Throttled        uint64 `json:"throttled"`
	PackageFragments uint64 `json:"packageFragments"`
	RemoteEvents     uint64 `json:"remoteEvents"`
	TickDurationMs   int64  `json:"tickDurationMillis"`
}

// NewTelemetry returns zeroed counters. DEBUG_TELEMETRY=1 prints a line per
// tick.
func NewTelemetry() *Telemetry {
	t := &Telemetry{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

func (t *Telemetry) recordSend(messages, bytes uint64) {
	t.messagesSent.Add(messages)
	t.bytesSent.Add(bytes)
}

func (t *Telemetry) recordUpdateCounts(creates, deltas, removes, latests, throttled int) {
	t.nodeCreates.Add(uint64(creates))
	t.nodeDeltas.Add(uint64(deltas))
	t.nodeRemoves.Add(uint64(removes))
	t.latestUpdates.Add(uint64(latests))
	t.throttled.Add(uint64(throttled))
}

func (t *Telemetry) recordPackageFragment() {
	t.packageFragments.Add(1)
}

func (t *Telemetry) recordRemoteEvents(n int) {
	t.remoteEvents.Add(uint64(n))
}

// RecordTickDuration stores the latest tick cost.
func (t *Telemetry) RecordTickDuration(d time.Duration) {
	millis := d.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.tickDurationMs.Store(millis)
	if t.debug {
		fmt.Printf("[telemetry] tick=%dms msgs=%d bytes=%d\n",
			millis, t.messagesSent.Load(), t.bytesSent.Load())
	}
}

// Snapshot returns a point-in-time copy of every counter.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		MessagesSent:     t.messagesSent.Load(),
		BytesSent:        t.bytesSent.Load(),
		NodeCreates:      t.nodeCreates.Load(),
		NodeDeltas:       t.nodeDeltas.Load(),
		NodeRemoves:      t.nodeRemoves.Load(),
		LatestUpdates:    t.latestUpdates.Load(),
		Throttled:        t.throttled.Load(),
		PackageFragments: t.packageFragments.Load(),
		RemoteEvents:     t.remoteEvents.Load(),
		TickDurationMs:   t.tickDurationMs.Load(),
	}
}
