package replicator

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"emberfall/server/internal/channel"
	"emberfall/server/internal/pkgfile"
	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// Replicator owns every connection and runs the tick loop halves: Update
// dispatches inbound datagrams to their connections, PostUpdate produces the
// outbound traffic. Both run on the same single logical thread; the inbox
// hand-off inside each connection is the only concurrency boundary.
type Replicator struct {
	cfg     Config
	log     zerolog.Logger
	events  EventSink
	metrics *Telemetry
	engine  *replication.Engine

	scene       replication.Scene
	connections map[uint32]*Connection
	nextKey     uint32
	tick        uint64

	limiter  *rate.Limiter
	allowed  map[uint32]struct{}
	blocked  map[uint32]struct{}
	onRemote RemoteEventHandler
}

// New builds a replicator around a scene. The scene's mutation callbacks are
// routed to every active connection's per-peer state.
func New(cfg Config, scene replication.Scene, log zerolog.Logger, events EventSink) *Replicator {
	if events == nil {
		events = NopSink()
	}
	r := &Replicator{
		cfg:         cfg,
		log:         log,
		events:      events,
		metrics:     NewTelemetry(),
		engine:      replication.NewEngine(log),
		scene:       scene,
		connections: make(map[uint32]*Connection),
		allowed:     hashSet(cfg.AllowedRemoteEvents),
		blocked:     hashSet(cfg.BlockedRemoteEvents),
	}
	if cfg.UploadBytesPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.UploadBytesPerSec), cfg.UploadBytesPerSec)
	}
	if scene != nil {
		scene.SetObserver(r)
	}
	return r
}

func hashSet(names []string) map[uint32]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[uint32]struct{}, len(names))
	for _, name := range names {
		set[proto.Hash(name)] = struct{}{}
	}
	return set
}

// Scene returns the scene this replicator serves.
func (r *Replicator) Scene() replication.Scene {
	return r.scene
}

// Telemetry returns the shared counters for diagnostics.
func (r *Replicator) Telemetry() *Telemetry {
	return r.metrics
}

// SetRemoteEventHandler installs the callback invoked for filtered inbound
// remote events on every connection.
func (r *Replicator) SetRemoteEventHandler(h RemoteEventHandler) {
	r.onRemote = h
	for _, c := range r.connections {
		c.onRemote = h
	}
}

// ConnectionCount returns how many connections are tracked, closed included
// until the next sweep.
func (r *Replicator) ConnectionCount() int {
	return len(r.connections)
}

// Connection looks up a connection by key.
func (r *Replicator) Connection(key uint32) (*Connection, bool) {
	c, ok := r.connections[key]
	return c, ok
}

// Connections returns the live connections in unspecified order.
func (r *Replicator) Connections() []*Connection {
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

func (r *Replicator) newConnection(t channel.Transport, server bool) *Connection {
	r.nextKey++
	c := &Connection{
		key:       r.nextKey,
		sessionID: uuid.New(),
		server:    server,
		conn:      channel.NewConn(t),
		inbox:     &channel.Inbox{},
		state:     StateConnecting,
		events:    r.events,
		metrics:   r.metrics,
		scene:     r.scene,
		engine:    r.engine,
		dataDir:   r.cfg.DataDir,
		cacheDir:  r.cfg.CacheDir,
		limiter:   r.limiter,
		allowed:   r.allowed,
		blocked:   r.blocked,
		onRemote:  r.onRemote,
	}
	c.resourceDirs = []string{r.cfg.DataDir, r.cfg.CacheDir}
	c.log = r.log.With().
		Uint32("connection", c.key).
		Str("session", c.sessionID.String()).
		Logger()
	r.connections[c.key] = c
	return c
}

// Accept registers an inbound client connection on the server side. The
// returned connection waits for the peer's identity message.
func (r *Replicator) Accept(t channel.Transport) *Connection {
	c := r.newConnection(t, true)
	c.setState(StateAwaitingIdentity)
	c.log.Info().Msg("connection accepted")
	return c
}

// Connect registers the client side of a connection to a server and sends
// the identity message.
func (r *Replicator) Connect(t channel.Transport, identity proto.VariantMap) (*Connection, error) {
	c := r.newConnection(t, false)
	c.identity = identity

	w := proto.NewWriter()
	w.WriteU8(proto.Version)
	w.WriteVariantMap(identity)
	if err := c.conn.Send(channel.ReliableOrdered, proto.MsgIdentity, 0, w.Bytes()); err != nil {
		return nil, err
	}
	c.setState(StateAwaitingSceneAssignment)
	c.log.Info().Msg("connected, identity sent")
	return c, nil
}

// Inbox returns the datagram inbox for a connection, for transports to push
// into from their read goroutines.
func (c *Connection) Inbox() *channel.Inbox {
	return c.inbox
}

// Update runs the inbound half of one tick: drain every connection's inbox,
// dispatch the frames, and resolve deferred client-side scene loads.
func (r *Replicator) Update() {
	r.tick++
	for _, c := range r.connections {
		for _, datagram := range c.inbox.Drain() {
			f, err := channel.ParseFrame(datagram)
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed datagram")
				continue
			}
			c.ProcessMessage(f)
		}
		c.resolvePendingLoad()
	}
}

// PostUpdate runs the outbound half of one tick and sweeps closed
// connections.
func (r *Replicator) PostUpdate() {
	var msgs, bytes uint64
	for key, c := range r.connections {
		c.postUpdate(replication.ObserverInfo{Key: c.key, Position: c.position})
		m, b, _ := c.conn.Stats()
		msgs += m - c.lastSentMsgs
		bytes += b - c.lastSentBytes
		c.lastSentMsgs, c.lastSentBytes = m, b
		if c.state == StateClosed {
			delete(r.connections, key)
		}
	}
	r.metrics.recordSend(msgs, bytes)
}

// Tick runs both halves and records the duration.
func (r *Replicator) Tick() {
	start := time.Now()
	r.Update()
	r.PostUpdate()
	r.metrics.RecordTickDuration(time.Since(start))
}

// BroadcastRemoteEvent queues an event on every active connection.
func (r *Replicator) BroadcastRemoteEvent(ev RemoteEvent) {
	for _, c := range r.connections {
		if c.state == StateActive {
			c.SendRemoteEvent(ev)
		}
	}
}

// AnnouncePackage sends a package stamp to every active connection so they
// can warm their caches ahead of a scene change.
func (r *Replicator) AnnouncePackage(st pkgfile.Stamp) {
	w := proto.NewWriter()
	w.WriteVarUint(1)
	writeStamp(w, st)
	for _, c := range r.connections {
		if c.state == StateActive {
			c.conn.Send(channel.ReliableOrdered, proto.MsgPackageInfo, 0, w.Bytes())
		}
	}
}

// Shutdown begins a graceful disconnect on every connection.
func (r *Replicator) Shutdown() {
	for _, c := range r.connections {
		c.Disconnect(r.cfg.DisconnectTimeout.Duration)
	}
}

// NodeDirtied implements replication.Observer by fanning out to every active
// observing connection.
func (r *Replicator) NodeDirtied(id uint32, bits replication.DirtyBits) {
	for _, c := range r.connections {
		if c.server && c.state == StateActive {
			c.sceneState.NodeDirtied(id, bits)
		}
	}
}

// NodeVarDirtied implements replication.Observer.
func (r *Replicator) NodeVarDirtied(id uint32, key uint32) {
	for _, c := range r.connections {
		if c.server && c.state == StateActive {
			c.sceneState.NodeVarDirtied(id, key)
		}
	}
}

// NodeRemoved implements replication.Observer.
func (r *Replicator) NodeRemoved(id uint32) {
	for _, c := range r.connections {
		if c.server && c.state == StateActive {
			c.sceneState.NodeRemoved(id)
		}
	}
}

// ComponentDirtied implements replication.Observer.
func (r *Replicator) ComponentDirtied(nodeID, componentID uint32, bits replication.DirtyBits) {
	for _, c := range r.connections {
		if c.server && c.state == StateActive {
			c.sceneState.ComponentDirtied(nodeID, componentID, bits)
		}
	}
}

// ComponentRemoved implements replication.Observer.
func (r *Replicator) ComponentRemoved(nodeID, componentID uint32) {
	for _, c := range r.connections {
		if c.server && c.state == StateActive {
			c.sceneState.ComponentRemoved(nodeID, componentID)
		}
	}
}
