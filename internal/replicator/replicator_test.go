package replicator

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"emberfall/server/internal/channel"
	"emberfall/server/internal/proto"
	"emberfall/server/internal/scene"
)

const levelJSON = `{
	"name": "arena",
	"nodes": [
		{"name": "floor", "components": [{"type": "StaticModel", "attrs": {"model": "floor.mdl"}}]},
		{"name": "torch", "position": [4, 2, 0]}
	]
}`

const levelWithPackageJSON = `{
	"name": "arena",
	"packages": ["assets.pak"],
	"nodes": [
		{"name": "floor", "components": [{"type": "StaticModel", "attrs": {"model": "floor.mdl"}}]}
	]
}`

const levelWithTwoPackagesJSON = `{
	"name": "arena",
	"packages": ["assets.pak", "textures.pak"],
	"nodes": [
		{"name": "floor", "components": [{"type": "StaticModel", "attrs": {"model": "floor.mdl"}}]}
	]
}`

type pair struct {
	server   *Replicator
	client   *Replicator
	srvScene *scene.Scene
	cliScene *scene.Scene
	sconn    *Connection
	cconn    *Connection
	srvHalf  *channel.Loopback
	cliHalf  *channel.Loopback
	srvSink  *MemorySink
	cliSink  *MemorySink
}

// newPair wires a server and a client replicator over an in-memory transport.
// sceneBody lands in the server data dir; clientBody (empty = same) in the
// client data dir.
func newPair(t *testing.T, sceneBody, clientBody string, packages map[string][]byte) *pair {
	t.Helper()
	if clientBody == "" {
		clientBody = sceneBody
	}

	serverData := t.TempDir()
	clientData := t.TempDir()
	clientCache := t.TempDir()
	if err := os.WriteFile(filepath.Join(serverData, "level.json"), []byte(sceneBody), 0o644); err != nil {
		t.Fatalf("write server scene: %v", err)
	}
	if err := os.WriteFile(filepath.Join(clientData, "level.json"), []byte(clientBody), 0o644); err != nil {
		t.Fatalf("write client scene: %v", err)
	}
	for name, data := range packages {
		if err := os.WriteFile(filepath.Join(serverData, name), data, 0o644); err != nil {
			t.Fatalf("write package %s: %v", name, err)
		}
	}

	srvScene := scene.New(scene.DefaultRegistry())
	if err := srvScene.LoadFile(filepath.Join(serverData, "level.json")); err != nil {
		t.Fatalf("load server scene: %v", err)
	}
	if err := srvScene.StampPackages(serverData); err != nil {
		t.Fatalf("stamp packages: %v", err)
	}
	cliScene := scene.New(scene.DefaultRegistry())

	srvCfg := DefaultConfig()
	srvCfg.DataDir = serverData
	cliCfg := DefaultConfig()
	cliCfg.DataDir = clientData
	cliCfg.CacheDir = clientCache

	p := &pair{
		srvScene: srvScene,
		cliScene: cliScene,
		srvSink:  &MemorySink{},
		cliSink:  &MemorySink{},
	}
	p.server = New(srvCfg, srvScene, zerolog.Nop(), p.srvSink)
	p.client = New(cliCfg, cliScene, zerolog.Nop(), p.cliSink)

	srvHalf, _, cliHalf, _ := channel.NewLoopbackPair()
	p.srvHalf = srvHalf
	p.cliHalf = cliHalf

	identity := proto.VariantMap{}
	identity.SetString("name", "tester")
	p.sconn = p.server.Accept(srvHalf)
	cconn, err := p.client.Connect(cliHalf, identity)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.cconn = cconn

	srvHalf.BindPeer(p.cconn.Inbox())
	cliHalf.BindPeer(p.sconn.Inbox())
	return p
}

// round runs one tick on each side and delivers the traffic. The server scene
// is assigned as soon as the peer identifies itself.
func (p *pair) round() {
	p.client.Update()
	p.client.PostUpdate()
	p.cliHalf.Deliver()

	p.server.Update()
	if p.sconn.State() == StateAwaitingSceneAssignment {
		p.sconn.SetScene(p.srvScene)
	}
	p.server.PostUpdate()
	p.srvHalf.Deliver()
}

func (p *pair) runUntilActive(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		p.round()
		if p.sconn.State() == StateActive && p.cconn.State() == StateActive {
			return
		}
	}
	t.Fatalf("handshake incomplete after %d rounds: server=%s client=%s",
		rounds, p.sconn.State(), p.cconn.State())
}

func TestHandshakeAndInitialSync(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)
	p.round()

	if len(p.srvSink.ByType(EventSceneJoin)) != 1 {
		t.Fatalf("expected exactly one join event, got %d", len(p.srvSink.ByType(EventSceneJoin)))
	}
	if v, ok := p.sconn.Identity().GetString("name"); !ok || v != "tester" {
		t.Fatalf("identity not recorded: %q ok=%v", v, ok)
	}

	floor, ok := p.cliScene.NodeByName("floor")
	if !ok {
		t.Fatal("client missing floor node after initial sync")
	}
	if _, ok := floor.ComponentByType("StaticModel"); !ok {
		t.Fatal("client missing StaticModel on floor")
	}
	if _, ok := p.cliScene.NodeByName("torch"); !ok {
		t.Fatal("client missing torch node")
	}
}

func TestLiveReplicationAfterJoin(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)
	p.round()

	torch, _ := p.srvScene.NodeByName("torch")
	torch.SetPosition(proto.Vector3{X: 9, Y: 2, Z: 1})
	torch.SetVar("lit", true)
	p.round()

	got, ok := p.cliScene.NodeByID(torch.ID())
	if !ok {
		t.Fatal("torch missing on client")
	}
	if got.Position().X != 9 {
		t.Fatalf("position not replicated: %v", got.Position())
	}
	if v, ok := got.Var("lit"); !ok || v.(bool) != true {
		t.Fatalf("user var not replicated: %v ok=%v", v, ok)
	}

	p.srvScene.RemoveNode(torch.ID())
	p.round()
	if _, ok := p.cliScene.NodeByID(torch.ID()); ok {
		t.Fatal("removed node still on client")
	}
}

func TestPackageDownloadDuringJoin(t *testing.T) {
	pak := make([]byte, 3000)
	rand.Read(pak)
	p := newPair(t, levelWithPackageJSON, "", map[string][]byte{"assets.pak": pak})
	p.runUntilActive(t, 30)

	downloaded, err := os.ReadFile(filepath.Join(p.client.cfg.CacheDir, "assets.pak"))
	if err != nil {
		t.Fatalf("read downloaded package: %v", err)
	}
	if string(downloaded) != string(pak) {
		t.Fatal("downloaded package differs from source")
	}
	if len(p.srvSink.ByType(EventPackageSent)) != 1 {
		t.Fatalf("expected one package-sent event, got %d", len(p.srvSink.ByType(EventPackageSent)))
	}
	if p.server.Telemetry().Snapshot().PackageFragments != 3 {
		t.Fatalf("expected 3 fragments for 3000 bytes, got %d",
			p.server.Telemetry().Snapshot().PackageFragments)
	}
}

func TestCachedPackagesSkipNegotiation(t *testing.T) {
	pakA := make([]byte, 2500)
	pakB := make([]byte, 1800)
	rand.Read(pakA)
	rand.Read(pakB)
	p := newPair(t, levelWithTwoPackagesJSON, "", map[string][]byte{
		"assets.pak":   pakA,
		"textures.pak": pakB,
	})
	// Pre-seed the client data dir with both packages, byte-identical.
	if err := os.WriteFile(filepath.Join(p.client.cfg.DataDir, "assets.pak"), pakA, 0o644); err != nil {
		t.Fatalf("seed package: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.client.cfg.DataDir, "textures.pak"), pakB, 0o644); err != nil {
		t.Fatalf("seed package: %v", err)
	}

	// Tap the client-to-server path so every request is observable.
	tap := &channel.Inbox{}
	p.cliHalf.BindPeer(tap)
	requests := 0
	for i := 0; i < 10; i++ {
		p.client.Update()
		p.client.PostUpdate()
		p.cliHalf.Deliver()
		for _, d := range tap.Drain() {
			f, err := channel.ParseFrame(d)
			if err != nil {
				t.Fatalf("parse tapped frame: %v", err)
			}
			if f.ID == proto.MsgRequestPackage {
				requests++
			}
			p.sconn.Inbox().Push(d)
		}
		p.server.Update()
		if p.sconn.State() == StateAwaitingSceneAssignment {
			p.sconn.SetScene(p.srvScene)
		}
		p.server.PostUpdate()
		p.srvHalf.Deliver()
		if p.sconn.State() == StateActive && p.cconn.State() == StateActive {
			break
		}
	}

	if p.sconn.State() != StateActive || p.cconn.State() != StateActive {
		t.Fatalf("handshake incomplete: server=%s client=%s", p.sconn.State(), p.cconn.State())
	}
	if requests != 0 {
		t.Fatalf("expected no package requests for cached packages, got %d", requests)
	}
	if got := p.server.Telemetry().Snapshot().PackageFragments; got != 0 {
		t.Fatalf("expected no fragments for cached packages, got %d", got)
	}
}

func TestZeroBytePackageDownloads(t *testing.T) {
	p := newPair(t, levelWithPackageJSON, "", map[string][]byte{"assets.pak": {}})
	p.runUntilActive(t, 10)

	info, err := os.Stat(filepath.Join(p.client.cfg.CacheDir, "assets.pak"))
	if err != nil {
		t.Fatalf("cached empty package missing: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty package file, got %d bytes", info.Size())
	}
	if got := p.server.Telemetry().Snapshot().PackageFragments; got != 0 {
		t.Fatalf("expected no fragments for an empty package, got %d", got)
	}
	if got := len(p.cliSink.ByType(EventSceneLoadFailed)); got != 0 {
		t.Fatalf("empty package must not read as a failure, got %d failure events", got)
	}
}

func TestMissingServerPackageAbortsJoin(t *testing.T) {
	pak := make([]byte, 1500)
	rand.Read(pak)
	p := newPair(t, levelWithPackageJSON, "", map[string][]byte{"assets.pak": pak})
	// Stamped at setup, gone at request time.
	if err := os.Remove(filepath.Join(p.server.cfg.DataDir, "assets.pak")); err != nil {
		t.Fatalf("remove package: %v", err)
	}

	for i := 0; i < 10; i++ {
		p.round()
	}
	if p.cconn.State() != StateSceneLoadFailed {
		t.Fatalf("expected scene-load-failed, got %s", p.cconn.State())
	}
	if len(p.cliSink.ByType(EventSceneLoadFailed)) != 1 {
		t.Fatalf("expected one scene-load-failed event, got %d",
			len(p.cliSink.ByType(EventSceneLoadFailed)))
	}
	if len(p.srvSink.ByType(EventPackageFailed)) == 0 {
		t.Fatal("expected a package-failed event on the server")
	}
}

func TestChecksumMismatchSendsSingleError(t *testing.T) {
	divergent := `{
		"name": "arena",
		"nodes": [
			{"name": "floor", "components": [{"type": "StaticModel", "attrs": {"model": "floor.mdl"}}]},
			{"name": "torch", "position": [4, 2, 0]},
			{"name": "extra"}
		]
	}`
	p := newPair(t, levelJSON, divergent, nil)
	for i := 0; i < 10; i++ {
		p.round()
	}

	if p.sconn.State() != StateSceneLoadFailed {
		t.Fatalf("expected server-side scene-load-failed, got %s", p.sconn.State())
	}
	if p.cconn.State() != StateSceneLoadFailed {
		t.Fatalf("expected client-side scene-load-failed, got %s", p.cconn.State())
	}
	if got := len(p.cliSink.ByType(EventChecksumMismatch)); got != 1 {
		t.Fatalf("expected exactly one checksum error on the client, got %d", got)
	}
	if len(p.srvSink.ByType(EventSceneJoin)) != 0 {
		t.Fatal("mismatched client must not join")
	}
}

func TestSceneReassignedAfterFailedJoin(t *testing.T) {
	divergent := `{
		"name": "arena",
		"nodes": [
			{"name": "floor", "components": [{"type": "StaticModel", "attrs": {"model": "floor.mdl"}}]},
			{"name": "torch", "position": [4, 2, 0]},
			{"name": "extra"}
		]
	}`
	p := newPair(t, levelJSON, divergent, nil)
	for i := 0; i < 10; i++ {
		p.round()
	}
	if p.sconn.State() != StateSceneLoadFailed || p.cconn.State() != StateSceneLoadFailed {
		t.Fatalf("expected both sides failed, got server=%s client=%s",
			p.sconn.State(), p.cconn.State())
	}

	// Repair the client content and offer the scene again on the same
	// connection; a failed join leaves the connection open for retry.
	if err := os.WriteFile(filepath.Join(p.client.cfg.DataDir, "level.json"), []byte(levelJSON), 0o644); err != nil {
		t.Fatalf("repair client scene: %v", err)
	}
	if err := p.sconn.SetScene(p.srvScene); err != nil {
		t.Fatalf("re-assigning the scene after a failed join: %v", err)
	}
	p.runUntilActive(t, 10)
	p.round()

	if got := len(p.srvSink.ByType(EventSceneJoin)); got != 1 {
		t.Fatalf("expected one join after the retry, got %d", got)
	}
	if _, ok := p.cliScene.NodeByName("torch"); !ok {
		t.Fatal("client missing torch node after retried join")
	}
}

func TestControlsReachServer(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)

	p.cconn.SetControls(Controls{Buttons: 0b101, Yaw: 90, Pitch: -10})
	p.cconn.SetPosition(proto.Vector3{X: 50, Y: 0, Z: 7}, proto.QuaternionIdentity)
	p.round()
	p.round()

	ctr, ok := p.sconn.Controls()
	if !ok {
		t.Fatal("server never received controls")
	}
	if ctr.Buttons != 0b101 || ctr.Yaw != 90 || ctr.Pitch != -10 {
		t.Fatalf("unexpected controls %+v", ctr)
	}
	if pos := p.sconn.Position(); pos.X != 50 || pos.Z != 7 {
		t.Fatalf("observer position not updated: %v", pos)
	}
}

func TestRemoteEventDelivery(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)

	var received []RemoteEvent
	p.server.SetRemoteEventHandler(func(_ *Connection, ev RemoteEvent) {
		received = append(received, ev)
	})
	p.runUntilActive(t, 10)

	chat := proto.Hash("chat")
	payload := proto.VariantMap{}
	payload.SetString("text", "hello")
	p.cconn.SendRemoteEvent(RemoteEvent{Type: chat, Data: payload})
	p.round()
	p.round()

	if len(received) != 1 {
		t.Fatalf("expected 1 remote event, got %d", len(received))
	}
	if received[0].Type != chat {
		t.Fatalf("unexpected event type %#x", received[0].Type)
	}
	if v, ok := received[0].Data.GetString("text"); !ok || v != "hello" {
		t.Fatalf("event payload lost: %q ok=%v", v, ok)
	}
}

func TestBlockedRemoteEventFiltered(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	blocked := proto.Hash("cheat")
	p.server.blocked = map[uint32]struct{}{blocked: {}}
	for _, c := range p.server.connections {
		c.blocked = p.server.blocked
	}

	var received []RemoteEvent
	p.server.SetRemoteEventHandler(func(_ *Connection, ev RemoteEvent) {
		received = append(received, ev)
	})
	p.runUntilActive(t, 10)

	p.cconn.SendRemoteEvent(RemoteEvent{Type: blocked})
	p.cconn.SendRemoteEvent(RemoteEvent{Type: proto.Hash("chat")})
	p.round()
	p.round()

	if len(received) != 1 || received[0].Type != proto.Hash("chat") {
		t.Fatalf("expected only the unblocked event, got %v", received)
	}
}

func TestRemoteNodeEvent(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	var received []RemoteEvent
	p.server.SetRemoteEventHandler(func(_ *Connection, ev RemoteEvent) {
		received = append(received, ev)
	})
	p.runUntilActive(t, 10)
	p.round()

	floor, _ := p.cliScene.NodeByName("floor")
	p.cconn.SendRemoteEvent(RemoteEvent{
		Type:   proto.Hash("use"),
		NodeID: floor.ID(),
	})
	p.round()
	p.round()

	if len(received) != 1 || received[0].NodeID != floor.ID() {
		t.Fatalf("node event not delivered: %v", received)
	}
}

func TestDisconnectClosesAndSweeps(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)

	p.sconn.Disconnect(0)
	p.round()

	if p.sconn.State() != StateClosed {
		t.Fatalf("expected closed, got %s", p.sconn.State())
	}
	if p.server.ConnectionCount() != 0 {
		t.Fatalf("closed connection not swept, count=%d", p.server.ConnectionCount())
	}
	if len(p.srvSink.ByType(EventDisconnect)) != 1 {
		t.Fatal("expected a disconnect event")
	}
}

func TestTelemetryTotalsSurviveSweep(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)
	p.round()

	before := p.server.Telemetry().Snapshot().MessagesSent
	if before == 0 {
		t.Fatal("expected traffic before the disconnect")
	}
	p.sconn.Disconnect(0)
	p.round()
	if p.server.ConnectionCount() != 0 {
		t.Fatalf("closed connection not swept, count=%d", p.server.ConnectionCount())
	}
	p.server.PostUpdate()
	if after := p.server.Telemetry().Snapshot().MessagesSent; after < before {
		t.Fatalf("send totals regressed after sweep: %d then %d", before, after)
	}
}

func TestIdentityVersionMismatchRejected(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)

	w := proto.NewWriter()
	w.WriteU8(proto.Version + 1)
	identity := proto.VariantMap{}
	identity.SetString("name", "stale-build")
	w.WriteVariantMap(identity)
	p.sconn.ProcessMessage(channel.Frame{Class: channel.ReliableOrdered, ID: proto.MsgIdentity, Payload: w.Bytes()})

	if p.sconn.State() != StateAwaitingIdentity {
		t.Fatalf("mismatched version must not identify, state %s", p.sconn.State())
	}
	if got := len(p.srvSink.ByType(EventProtocolError)); got != 1 {
		t.Fatalf("expected one protocol error event, got %d", got)
	}
}

func TestUnknownMessageBecomesEvent(t *testing.T) {
	p := newPair(t, levelJSON, "", nil)
	p.runUntilActive(t, 10)

	p.sconn.ProcessMessage(channel.Frame{Class: channel.ReliableOrdered, ID: 200})
	events := p.srvSink.ByType(EventUnknownMessage)
	if len(events) != 1 {
		t.Fatalf("expected unknown-message event, got %d", len(events))
	}
	if events[0].Fields["id"] != uint8(200) {
		t.Fatalf("unexpected event fields %v", events[0].Fields)
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("EMBERFALL_TICK_RATE", "60")
	cfg, err := LoadConfig("", zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TickRate != 60 {
		t.Fatalf("env override ignored, tick rate %d", cfg.TickRate)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected default listen addr %q", cfg.ListenAddr)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "tick_rate = 15\nlisten_addr = \":9000\"\ndisconnect_timeout = \"5s\"\nblocked_remote_events = [\"cheat\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TickRate != 15 || cfg.ListenAddr != ":9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DisconnectTimeout.Duration.Seconds() != 5 {
		t.Fatalf("duration not parsed: %v", cfg.DisconnectTimeout)
	}
	if len(cfg.BlockedRemoteEvents) != 1 || cfg.BlockedRemoteEvents[0] != "cheat" {
		t.Fatalf("blocked events not parsed: %v", cfg.BlockedRemoteEvents)
	}
}
