// Package proto defines the binary wire format shared by the replication
// server and client: message identifiers, the variable-length codec, and the
// variant value model carried by identity blobs, user variables, and remote
// events.
package proto

import "github.com/cespare/xxhash/v2"

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// MessageID identifies a framed message on the wire.
type MessageID uint8

const (
	// MsgIdentity carries the client's identity variable map.
	MsgIdentity MessageID = 1 + iota
	// MsgControls carries the client's per-tick input state.
	MsgControls
	// MsgSceneLoaded reports the client's scene checksum after loading.
	MsgSceneLoaded
	// MsgRequestPackage asks the server to start uploading a package.
	MsgRequestPackage
	// MsgPackageData carries one package fragment. An empty fragment payload
	// signals an upload-side failure.
	MsgPackageData
	// MsgLoadScene assigns a scene and lists its required packages.
	MsgLoadScene
	// MsgSceneChecksumError rejects a SceneLoaded with a mismatched checksum.
	MsgSceneChecksumError
	// MsgPackageInfo announces a single package's name, size, and checksum.
	MsgPackageInfo
	// MsgCreateNode carries a node's full initial state plus its components.
	MsgCreateNode
	// MsgNodeDeltaUpdate carries a node's dirty-bitset-selected attributes.
	MsgNodeDeltaUpdate
	// MsgNodeLatestData carries a node's latest-flagged attributes.
	MsgNodeLatestData
	// MsgRemoveNode removes a node on the receiving side.
	MsgRemoveNode
	// MsgCreateComponent carries a component's full initial state.
	MsgCreateComponent
	// MsgComponentDeltaUpdate carries a component's dirty attributes.
	MsgComponentDeltaUpdate
	// MsgComponentLatestData carries a component's latest-flagged attributes.
	MsgComponentLatestData
	// MsgRemoveComponent removes a component on the receiving side.
	MsgRemoveComponent
	// MsgRemoteEvent relays an application event between peers.
	MsgRemoteEvent
	// MsgRemoteNodeEvent relays an application event tied to a sender node.
	MsgRemoteNodeEvent
)

var messageNames = map[MessageID]string{
	MsgIdentity:             "Identity",
	MsgControls:             "Controls",
	MsgSceneLoaded:          "SceneLoaded",
	MsgRequestPackage:       "RequestPackage",
	MsgPackageData:          "PackageData",
	MsgLoadScene:            "LoadScene",
	MsgSceneChecksumError:   "SceneChecksumError",
	MsgPackageInfo:          "PackageInfo",
	MsgCreateNode:           "CreateNode",
	MsgNodeDeltaUpdate:      "NodeDeltaUpdate",
	MsgNodeLatestData:       "NodeLatestData",
	MsgRemoveNode:           "RemoveNode",
	MsgCreateComponent:      "CreateComponent",
	MsgComponentDeltaUpdate: "ComponentDeltaUpdate",
	MsgComponentLatestData:  "ComponentLatestData",
	MsgRemoveComponent:      "RemoveComponent",
	MsgRemoteEvent:          "RemoteEvent",
	MsgRemoteNodeEvent:      "RemoteNodeEvent",
}

// String returns the message name, or a placeholder for unknown ids.
func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return "Unknown"
}

// Known reports whether the id belongs to the protocol's message table.
// Unknown ids are forwarded to the application instead of being rejected.
func (id MessageID) Known() bool {
	_, ok := messageNames[id]
	return ok
}

// ControlsContentID is the fixed content id used to coalesce unsent Controls
// messages; only the newest input state is worth transmitting.
const ControlsContentID uint32 = 1

// FirstLocalID is the lowest entity id considered purely local. Local ids are
// never sent on the wire; WriteNetID encodes them as zero.
const FirstLocalID uint32 = 0x1000000

// Hash derives a stable 32-bit hash for names used on the wire: component
// types, remote event types, and user variable keys.
func Hash(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}
