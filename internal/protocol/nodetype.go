package protocol

import (
	"errors"
	"fmt"
)

// NodeType selects which kind of node the client presents itself as.
type NodeType int

const (
	Extension NodeType = iota
	Desktop
	CommunityExtension
)

// ErrUnknownNodeType is returned by ParseNodeType for unrecognized selectors.
var ErrUnknownNodeType = errors.New("unknown node type")

type nodeProfile struct {
	selector    string
	version     string
	deviceType  string
	extensionID string // empty when the node type has none
}

var nodeProfiles = [...]nodeProfile{
	Extension: {
		selector:    "1x",
		version:     "4.26.2",
		deviceType:  "extension",
		extensionID: "ilehaonighjijnmpnagapkhpcdbhclfg",
	},
	Desktop: {
		selector:   "2x",
		version:    "4.30.0",
		deviceType: "desktop",
	},
	CommunityExtension: {
		selector:    "1.25x",
		version:     "4.26.2",
		deviceType:  "extension",
		extensionID: "lkbnfiajjmbhnfledhphioinpickokdi",
	},
}

// ParseNodeType maps a selector ("1x", "2x", "1.25x") to its NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for t, p := range nodeProfiles {
		if p.selector == s {
			return NodeType(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want 1x, 2x or 1.25x)", ErrUnknownNodeType, s)
}

func (t NodeType) profile() nodeProfile {
	if !t.Valid() {
		return nodeProfiles[Extension]
	}
	return nodeProfiles[t]
}

// String returns the selector for t.
func (t NodeType) String() string { return t.profile().selector }

// Version is the client version reported in AUTH and PING messages.
func (t NodeType) Version() string { return t.profile().version }

// DeviceType is the device_type reported in AUTH.
func (t NodeType) DeviceType() string { return t.profile().deviceType }

// ExtensionID returns the fixed extension id, if the node type has one.
func (t NodeType) ExtensionID() (string, bool) {
	id := t.profile().extensionID
	return id, id != ""
}

// Valid reports whether t is one of the defined node types.
func (t NodeType) Valid() bool {
	return t >= 0 && int(t) < len(nodeProfiles)
}
