package replicator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"emberfall/server/internal/channel"
	"emberfall/server/internal/pkgfile"
	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// State is a connection's position in the join lifecycle.
type State uint8

const (
	StateConnecting State = iota
	StateAwaitingIdentity
	StateAwaitingSceneAssignment
	StateNegotiatingPackages
	StateLoadingScene
	StateActive
	StateDisconnecting
	StateClosed
	StateSceneLoadFailed
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingIdentity:
		return "awaiting-identity"
	case StateAwaitingSceneAssignment:
		return "awaiting-scene-assignment"
	case StateNegotiatingPackages:
		return "negotiating-packages"
	case StateLoadingScene:
		return "loading-scene"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateSceneLoadFailed:
		return "scene-load-failed"
	default:
		return "invalid"
	}
}

// Controls is the client input sample sent every tick while active.
type Controls struct {
	Buttons uint32
	Yaw     float32
	Pitch   float32
	Extra   proto.VariantMap
}

// RemoteEvent is an application event carried over the replication channel.
// NodeID is zero for scene-wide events.
type RemoteEvent struct {
	Type    uint32
	NodeID  uint32
	Data    proto.VariantMap
	InOrder bool
}

// RemoteEventHandler receives filtered inbound remote events.
type RemoteEventHandler func(c *Connection, ev RemoteEvent)

// Connection tracks one peer. On the server a Connection represents a remote
// client observing the server scene; on the client it represents the server.
// All methods run on the replication thread.
type Connection struct {
	key       uint32
	sessionID uuid.UUID
	server    bool

	conn  *channel.Conn
	inbox *channel.Inbox
	state State

	log     zerolog.Logger
	events  EventSink
	metrics *Telemetry

	identity proto.VariantMap

	scene      replication.Scene
	sceneState *replication.SceneState
	engine     *replication.Engine

	// Observer pose for interest management, fed by the controls message.
	position proto.Vector3
	rotation proto.Quaternion

	controls       Controls
	controlsSeq    uint8
	lastControlSeq uint8
	haveControls   bool

	// Server-side package uploads, keyed by name hash.
	uploads           map[uint64]*pkgfile.Upload
	dataDir           string
	limiter           *rate.Limiter
	checksum          uint64
	checksumErrorSent bool

	// Client-side package downloads and deferred scene load.
	downloads    pkgfile.DownloadQueue
	cacheDir     string
	resourceDirs []string
	sceneName    string
	loadPending  bool

	outEvents []RemoteEvent
	allowed   map[uint32]struct{}
	blocked   map[uint32]struct{}
	onRemote  RemoteEventHandler

	// Transport counters as of the last PostUpdate, for per-tick deltas.
	lastSentMsgs  uint64
	lastSentBytes uint64

	disconnectAt time.Time
}

// Key returns the connection's owner key.
func (c *Connection) Key() uint32 {
	return c.key
}

// SessionID returns the connection's session id.
func (c *Connection) SessionID() uuid.UUID {
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return c.state
}

// Identity returns what the peer reported about itself.
func (c *Connection) Identity() proto.VariantMap {
	return c.identity
}

// Position returns the observer position used for interest management.
func (c *Connection) Position() proto.Vector3 {
	return c.position
}

// Controls returns the most recent input sample and whether one arrived.
func (c *Connection) Controls() (Controls, bool) {
	return c.controls, c.haveControls
}

// SetControls stores the sample sent on the next client update.
func (c *Connection) SetControls(ctr Controls) {
	c.controls = ctr
	c.haveControls = true
}

// SetPosition updates the observer pose reported with the next controls send.
func (c *Connection) SetPosition(pos proto.Vector3, rot proto.Quaternion) {
	c.position = pos
	c.rotation = rot
}

func (c *Connection) publish(t EventType, fields map[string]any) {
	c.events.Publish(Event{
		Type:       t,
		Connection: c.key,
		Session:    c.sessionID,
		Time:       time.Now(),
		Fields:     fields,
	})
}

func (c *Connection) setState(next State) {
	if c.state == next {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", next).Msg("connection state change")
	c.state = next
}

// eventAllowed applies the allow/deny configuration to an inbound remote
// event type. A non-empty allow set admits only its members; the block set
// always wins.
func (c *Connection) eventAllowed(eventType uint32) bool {
	if _, denied := c.blocked[eventType]; denied {
		return false
	}
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[eventType]
	return ok
}

// SendRemoteEvent queues an application event for the peer. Queued events are
// flushed and cleared once per tick.
func (c *Connection) SendRemoteEvent(ev RemoteEvent) {
	c.outEvents = append(c.outEvents, ev)
}

// Disconnect begins a graceful shutdown: queued messages get until the
// timeout to flush, then the transport is closed. It never blocks.
func (c *Connection) Disconnect(timeout time.Duration) {
	if c.state == StateClosed || c.state == StateDisconnecting {
		return
	}
	c.setState(StateDisconnecting)
	c.disconnectAt = time.Now().Add(timeout)
}

func (c *Connection) close(reason string) {
	if c.state == StateClosed {
		return
	}
	c.downloads.Clear()
	for _, up := range c.uploads {
		up.Close()
	}
	c.uploads = nil
	c.conn.Close()
	c.setState(StateClosed)
	c.publish(EventDisconnect, map[string]any{"reason": reason})
}

// ProcessMessage dispatches one inbound frame according to role and state.
// Protocol violations are logged and dropped; unknown message ids surface as
// a generic event so applications can extend the protocol.
func (c *Connection) ProcessMessage(f channel.Frame) {
	if c.state == StateClosed {
		return
	}
	if !f.ID.Known() {
		c.publish(EventUnknownMessage, map[string]any{"id": uint8(f.ID)})
		return
	}
	r := proto.NewReader(f.Payload)
	var err error
	if c.server {
		err = c.processServer(f.ID, r)
	} else {
		err = c.processClient(f.ID, r)
	}
	if err != nil {
		c.log.Warn().Stringer("msg", f.ID).Stringer("state", c.state).Err(err).Msg("dropping message")
		c.publish(EventProtocolError, map[string]any{"msg": f.ID.String(), "error": err.Error()})
	}
}

func (c *Connection) processServer(id proto.MessageID, r *proto.Reader) error {
	switch id {
	case proto.MsgIdentity:
		return c.handleIdentity(r)
	case proto.MsgControls:
		return c.handleControls(r)
	case proto.MsgSceneLoaded:
		return c.handleSceneLoaded(r)
	case proto.MsgRequestPackage:
		return c.handleRequestPackage(r)
	case proto.MsgRemoteEvent, proto.MsgRemoteNodeEvent:
		return c.handleRemoteEvent(id, r)
	default:
		return fmt.Errorf("message %s not valid from a client", id)
	}
}

func (c *Connection) processClient(id proto.MessageID, r *proto.Reader) error {
	switch id {
	case proto.MsgLoadScene:
		return c.handleLoadScene(r)
	case proto.MsgPackageInfo:
		return c.handlePackageInfo(r)
	case proto.MsgPackageData:
		return c.handlePackageData(r)
	case proto.MsgSceneChecksumError:
		c.publish(EventChecksumMismatch, map[string]any{"scene": c.sceneName})
		c.setState(StateSceneLoadFailed)
		return nil
	case proto.MsgRemoteEvent, proto.MsgRemoteNodeEvent:
		return c.handleRemoteEvent(id, r)
	case proto.MsgCreateNode, proto.MsgNodeDeltaUpdate, proto.MsgNodeLatestData,
		proto.MsgRemoveNode, proto.MsgCreateComponent, proto.MsgComponentDeltaUpdate,
		proto.MsgComponentLatestData, proto.MsgRemoveComponent:
		return c.applyReplication(id, r)
	default:
		return fmt.Errorf("message %s not valid from the server", id)
	}
}

func (c *Connection) handleIdentity(r *proto.Reader) error {
	if c.state != StateAwaitingIdentity {
		return fmt.Errorf("identity in state %s", c.state)
	}
	version := r.ReadU8()
	identity := r.ReadVariantMap()
	if err := r.Err(); err != nil {
		return err
	}
	if version != proto.Version {
		return fmt.Errorf("protocol version %d, want %d", version, proto.Version)
	}
	c.identity = identity
	c.setState(StateAwaitingSceneAssignment)
	c.publish(EventClientIdentity, map[string]any{"fields": len(identity)})
	return nil
}

// SetScene assigns the server scene to a client connection and starts the
// join sequence. Valid once the peer has identified itself, and again after
// a failed join: the connection stays open and the scene can be re-offered.
func (c *Connection) SetScene(s replication.Scene) error {
	if !c.server {
		return errors.New("replicator: SetScene on a client-side connection")
	}
	if c.state != StateAwaitingSceneAssignment && c.state != StateSceneLoadFailed {
		return fmt.Errorf("replicator: cannot assign scene in state %s", c.state)
	}
	c.scene = s
	c.checksum = s.Checksum()
	c.checksumErrorSent = false

	w := proto.NewWriter()
	w.WriteString(s.FileName())
	w.WriteU64(c.checksum)
	stamps := s.RequiredPackages()
	w.WriteVarUint(uint64(len(stamps)))
	for _, st := range stamps {
		writeStamp(w, st)
	}
	if err := c.conn.Send(channel.ReliableOrdered, proto.MsgLoadScene, 0, w.Bytes()); err != nil {
		return err
	}
	c.setState(StateLoadingScene)
	return nil
}

func writeStamp(w *proto.Writer, st pkgfile.Stamp) {
	w.WriteString(st.Name)
	w.WriteVarUint(st.Size)
	w.WriteU64(st.Checksum)
}

func readStamp(r *proto.Reader) pkgfile.Stamp {
	return pkgfile.Stamp{
		Name:     r.ReadString(),
		Size:     r.ReadVarUint(),
		Checksum: r.ReadU64(),
	}
}

func (c *Connection) handleLoadScene(r *proto.Reader) error {
	if c.state != StateAwaitingSceneAssignment && c.state != StateActive &&
		c.state != StateSceneLoadFailed {
		return fmt.Errorf("load-scene in state %s", c.state)
	}
	fileName := r.ReadString()
	r.ReadU64() // server checksum; ours is authoritative after load
	count := r.ReadVarUint()
	stamps := make([]pkgfile.Stamp, 0, count)
	for i := uint64(0); i < count; i++ {
		stamps = append(stamps, readStamp(r))
	}
	if err := r.Err(); err != nil {
		return err
	}

	c.scene.Clear()
	c.downloads.Clear()
	c.sceneName = fileName
	c.loadPending = false

	missing := 0
	for _, st := range stamps {
		if _, ok := st.Locate(c.resourceDirs...); ok {
			continue
		}
		c.downloads.Enqueue(pkgfile.NewDownload(st, c.cacheDir))
		missing++
	}
	c.log.Info().Str("scene", fileName).Int("packages", len(stamps)).Int("missing", missing).Msg("scene assigned")

	if missing > 0 {
		c.setState(StateNegotiatingPackages)
		return c.requestNextPackage()
	}
	c.beginSceneLoad()
	return nil
}

func (c *Connection) handlePackageInfo(r *proto.Reader) error {
	count := r.ReadVarUint()
	for i := uint64(0); i < count; i++ {
		st := readStamp(r)
		if err := r.Err(); err != nil {
			return err
		}
		if _, ok := st.Locate(c.resourceDirs...); !ok {
			c.log.Info().Str("package", st.Name).Msg("announced package missing from cache")
		}
	}
	return r.Err()
}

// requestNextPackage initiates the download at the head of the queue. One
// download is in flight at a time. Zero-fragment packages complete locally
// without a request; draining the queue that way starts the scene load.
func (c *Connection) requestNextPackage() error {
	for {
		d, ok := c.downloads.Active()
		if !ok {
			c.beginSceneLoad()
			return nil
		}
		if !d.Initiated() {
			if err := d.Initiate(); err != nil {
				c.failSceneLoad("package-initiate", err)
				return nil
			}
		}
		if d.Stamp().FragmentCount() == 0 {
			if err := d.Finalize(); err != nil {
				c.failSceneLoad("package-verify", err)
				return nil
			}
			c.downloads.Pop()
			continue
		}
		w := proto.NewWriter()
		w.WriteString(d.Stamp().Name)
		return c.conn.Send(channel.ReliableOrdered, proto.MsgRequestPackage, 0, w.Bytes())
	}
}

func (c *Connection) handlePackageData(r *proto.Reader) error {
	if c.state != StateNegotiatingPackages {
		return fmt.Errorf("package-data in state %s", c.state)
	}
	nameHash := r.ReadU64()
	index := uint32(r.ReadVarUint())
	payload := r.ReadByteSlice()
	if err := r.Err(); err != nil {
		return err
	}

	d, ok := c.downloads.ByNameHash(nameHash)
	if !ok {
		return fmt.Errorf("fragment for unqueued package %#x", nameHash)
	}
	// An empty fragment is the server reporting upload failure. The whole
	// join attempt is void, not just this package.
	if len(payload) == 0 {
		c.failSceneLoad("package-failed", fmt.Errorf("server aborted package %q", d.Stamp().Name))
		return nil
	}

	complete, err := d.WriteFragment(index, payload)
	if err != nil {
		c.failSceneLoad("package-write", err)
		return nil
	}
	if !complete {
		return nil
	}
	if err := d.Finalize(); err != nil {
		c.failSceneLoad("package-verify", err)
		return nil
	}
	c.log.Info().Str("package", d.Stamp().Name).Msg("package downloaded")
	if _, more := c.downloads.Pop(); more {
		return c.requestNextPackage()
	}
	c.beginSceneLoad()
	return nil
}

// beginSceneLoad defers the actual file load to the next Update tick,
// mirroring a client that loads scene content asynchronously.
func (c *Connection) beginSceneLoad() {
	c.loadPending = true
	c.setState(StateLoadingScene)
}

func (c *Connection) failSceneLoad(stage string, err error) {
	c.log.Warn().Str("stage", stage).Err(err).Msg("scene join failed")
	c.downloads.Clear()
	c.loadPending = false
	c.setState(StateSceneLoadFailed)
	c.publish(EventSceneLoadFailed, map[string]any{"stage": stage, "error": err.Error()})
}

// resolvePendingLoad runs during Update, completing a deferred scene load and
// reporting the result to the server.
func (c *Connection) resolvePendingLoad() {
	if c.server || c.state != StateLoadingScene || !c.loadPending {
		return
	}
	c.loadPending = false
	var loadErr error
	loaded := false
	for _, dir := range c.resourceDirs {
		path := filepath.Join(dir, c.sceneName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if loadErr = c.scene.LoadFile(path); loadErr == nil {
			loaded = true
		}
		break
	}
	if !loaded {
		if loadErr == nil {
			loadErr = fmt.Errorf("scene file %q not found in resource dirs", c.sceneName)
		}
		c.failSceneLoad("scene-load", loadErr)
		return
	}

	w := proto.NewWriter()
	w.WriteU64(c.scene.Checksum())
	if err := c.conn.Send(channel.ReliableOrdered, proto.MsgSceneLoaded, 0, w.Bytes()); err != nil {
		c.failSceneLoad("scene-loaded-send", err)
		return
	}
	c.setState(StateActive)
}

func (c *Connection) handleSceneLoaded(r *proto.Reader) error {
	if c.state != StateLoadingScene {
		return fmt.Errorf("scene-loaded in state %s", c.state)
	}
	clientChecksum := r.ReadU64()
	if err := r.Err(); err != nil {
		return err
	}
	if clientChecksum != c.checksum {
		// Exactly one error message; the join is over, the client decides
		// whether to reconnect.
		if !c.checksumErrorSent {
			c.conn.Send(channel.ReliableOrdered, proto.MsgSceneChecksumError, 0, nil)
			c.checksumErrorSent = true
		}
		c.setState(StateSceneLoadFailed)
		c.publish(EventChecksumMismatch, map[string]any{
			"server_checksum": c.checksum,
			"client_checksum": clientChecksum,
		})
		return nil
	}
	c.sceneState = replication.NewSceneState()
	c.sceneState.Seed(c.scene)
	c.setState(StateActive)
	c.publish(EventSceneJoin, map[string]any{"scene": c.scene.FileName()})
	return nil
}

func (c *Connection) handleRequestPackage(r *proto.Reader) error {
	if c.state != StateLoadingScene && c.state != StateNegotiatingPackages && c.state != StateActive {
		return fmt.Errorf("request-package in state %s", c.state)
	}
	name := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}
	if c.scene == nil {
		return errors.New("package request before scene assignment")
	}
	var stamp pkgfile.Stamp
	found := false
	for _, st := range c.scene.RequiredPackages() {
		if st.Name == name {
			stamp = st
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("request for package %q the scene does not require", name)
	}
	if _, inFlight := c.uploads[stamp.NameHash()]; inFlight {
		return fmt.Errorf("duplicate request for in-flight package %q", name)
	}
	up, err := pkgfile.OpenUpload(filepath.Join(c.dataDir, name))
	if err != nil {
		// Tell the peer with an empty fragment so it can abort the join.
		c.sendPackageFailure(stamp.NameHash())
		c.publish(EventPackageFailed, map[string]any{"package": name, "error": err.Error()})
		return nil
	}
	if c.uploads == nil {
		c.uploads = make(map[uint64]*pkgfile.Upload)
	}
	c.uploads[up.NameHash()] = up
	return nil
}

func (c *Connection) sendPackageFailure(nameHash uint64) {
	w := proto.NewWriter()
	w.WriteU64(nameHash)
	w.WriteVarUint(0)
	w.WriteByteSlice(nil)
	c.conn.Send(channel.ReliableUnordered, proto.MsgPackageData, 0, w.Bytes())
}

// uploadQueueDepthCap stops package fragments from starving replication
// traffic when the transport is slow to drain.
const uploadQueueDepthCap = 64

// sendPackages emits one fragment per in-flight upload per tick, gated on
// outbound queue depth and the shared bandwidth limiter. Runs during
// PostUpdate on the server.
func (c *Connection) sendPackages() {
	for hash, up := range c.uploads {
		if c.conn.QueueDepth() >= uploadQueueDepthCap {
			break
		}
		if c.limiter != nil && !c.limiter.AllowN(time.Now(), pkgfile.FragmentSize) {
			continue
		}
		index, data, done, err := up.NextFragment()
		if err != nil {
			c.log.Warn().Err(err).Msg("package upload failed")
			c.sendPackageFailure(hash)
			c.publish(EventPackageFailed, map[string]any{"error": err.Error()})
			up.Close()
			delete(c.uploads, hash)
			continue
		}
		// A zero-fragment package is complete without producing data. The
		// empty-payload frame stays reserved for failure signalling.
		if done && len(data) == 0 {
			c.publish(EventPackageSent, map[string]any{"package": up.Stamp().Name})
			up.Close()
			delete(c.uploads, hash)
			continue
		}
		w := proto.NewWriter()
		w.WriteU64(hash)
		w.WriteVarUint(uint64(index))
		w.WriteByteSlice(data)
		c.conn.Send(channel.ReliableUnordered, proto.MsgPackageData, 0, w.Bytes())
		if c.metrics != nil {
			c.metrics.recordPackageFragment()
		}
		if done {
			c.publish(EventPackageSent, map[string]any{"package": up.Stamp().Name})
			up.Close()
			delete(c.uploads, hash)
		}
	}
}

func (c *Connection) handleControls(r *proto.Reader) error {
	if c.state != StateActive {
		return fmt.Errorf("controls in state %s", c.state)
	}
	var ctr Controls
	ctr.Buttons = r.ReadU32()
	ctr.Yaw = r.ReadF32()
	ctr.Pitch = r.ReadF32()
	ctr.Extra = r.ReadVariantMap()
	seq := r.ReadU8()
	if err := r.Err(); err != nil {
		return err
	}
	// Unreliable delivery can reorder; a stale sample by signed-wraparound
	// comparison is dropped.
	if c.haveControls && int8(seq-c.lastControlSeq) <= 0 {
		return nil
	}
	c.lastControlSeq = seq
	c.controls = ctr
	c.haveControls = true

	// The trailing observer pose is optional; truncation leaves defaults.
	if r.Remaining() > 0 {
		pos := r.ReadVector3()
		rot := r.ReadPackedQuaternion()
		if r.Err() == nil {
			c.position = pos
			c.rotation = rot
		}
	}
	return nil
}

// sendClientUpdate sends the controls sample each tick while active, on the
// unreliable path with the fixed controls content id so unsent samples
// coalesce.
func (c *Connection) sendClientUpdate() {
	if c.state != StateActive || !c.haveControls {
		return
	}
	c.controlsSeq++
	w := proto.NewWriter()
	w.WriteU32(c.controls.Buttons)
	w.WriteF32(c.controls.Yaw)
	w.WriteF32(c.controls.Pitch)
	w.WriteVariantMap(c.controls.Extra)
	w.WriteU8(c.controlsSeq)
	w.WriteVector3(c.position)
	w.WritePackedQuaternion(c.rotation)
	c.conn.Send(channel.Unreliable, proto.MsgControls, proto.ControlsContentID, w.Bytes())
}

func (c *Connection) handleRemoteEvent(id proto.MessageID, r *proto.Reader) error {
	if c.state != StateActive {
		return fmt.Errorf("remote event in state %s", c.state)
	}
	var ev RemoteEvent
	if id == proto.MsgRemoteNodeEvent {
		ev.NodeID = r.ReadNetID()
		if _, ok := c.scene.Node(ev.NodeID); !ok {
			return fmt.Errorf("remote event for unknown node %d", ev.NodeID)
		}
	}
	ev.Type = r.ReadU32()
	ev.Data = r.ReadVariantMap()
	if err := r.Err(); err != nil {
		return err
	}
	if !c.eventAllowed(ev.Type) {
		c.log.Warn().Uint32("type", ev.Type).Msg("remote event type not allowed")
		return nil
	}
	if c.onRemote != nil {
		c.onRemote(c, ev)
	}
	return nil
}

// sendRemoteEvents flushes and clears the queued outbound events.
func (c *Connection) sendRemoteEvents() {
	if len(c.outEvents) == 0 {
		return
	}
	for _, ev := range c.outEvents {
		w := proto.NewWriter()
		id := proto.MsgRemoteEvent
		if ev.NodeID != 0 {
			id = proto.MsgRemoteNodeEvent
			w.WriteNetID(ev.NodeID)
		}
		w.WriteU32(ev.Type)
		w.WriteVariantMap(ev.Data)
		class := channel.ReliableUnordered
		if ev.InOrder {
			class = channel.ReliableOrdered
		}
		c.conn.Send(class, id, 0, w.Bytes())
	}
	if c.metrics != nil {
		c.metrics.recordRemoteEvents(len(c.outEvents))
	}
	c.outEvents = c.outEvents[:0]
}

func (c *Connection) applyReplication(id proto.MessageID, r *proto.Reader) error {
	if c.state != StateActive && c.state != StateLoadingScene {
		return fmt.Errorf("replication message in state %s", c.state)
	}
	var err error
	switch id {
	case proto.MsgCreateNode:
		_, err = replication.ApplyCreateNode(c.scene, r)
	case proto.MsgNodeDeltaUpdate:
		_, err = replication.ApplyNodeDelta(c.scene, r)
	case proto.MsgNodeLatestData:
		_, err = replication.ApplyNodeLatest(c.scene, r)
	case proto.MsgRemoveNode:
		_, err = replication.ApplyRemoveNode(c.scene, r)
	case proto.MsgCreateComponent:
		_, err = replication.ApplyCreateComponent(c.scene, r)
	case proto.MsgComponentDeltaUpdate:
		_, err = replication.ApplyComponentDelta(c.scene, r)
	case proto.MsgComponentLatestData:
		_, err = replication.ApplyComponentLatest(c.scene, r)
	case proto.MsgRemoveComponent:
		_, err = replication.ApplyRemoveComponent(c.scene, r)
	}
	// Unreliable latest-data can legitimately outlive its entity.
	if errors.Is(err, replication.ErrUnknownEntity) &&
		(id == proto.MsgNodeLatestData || id == proto.MsgComponentLatestData) {
		c.log.Debug().Stringer("msg", id).Msg("latest-data for unknown entity dropped")
		return nil
	}
	return err
}

// postUpdate runs the connection's outbound half of one tick.
func (c *Connection) postUpdate(obs replication.ObserverInfo) {
	switch c.state {
	case StateClosed:
		return
	case StateDisconnecting:
		if c.conn.QueueDepth() == 0 || time.Now().After(c.disconnectAt) {
			c.close("disconnect")
			return
		}
	case StateActive:
		if c.server {
			counts := c.engine.SendServerUpdate(c.scene, c.sceneState, obs, c.conn)
			if c.metrics != nil {
				c.metrics.recordUpdateCounts(
					counts.NodeCreates+counts.ComponentCreates,
					counts.NodeDeltas+counts.ComponentDeltas,
					counts.NodeRemoves+counts.ComponentRemoves,
					counts.NodeLatests+counts.ComponentLatests,
					counts.Throttled)
			}
		} else {
			c.sendClientUpdate()
		}
		c.sendRemoteEvents()
	}
	if c.server {
		c.sendPackages()
	}
	if err := c.conn.Flush(); err != nil && !errors.Is(err, channel.ErrClosed) {
		c.log.Warn().Err(err).Msg("flush failed; closing connection")
		c.close("transport-error")
	}
}
