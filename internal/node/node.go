package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"copilotmesh/internal/proto"
	"copilotmesh/internal/transport"
)

const deviceIDFile = "device_id"

// Node is the identity of this device on the mesh.
type Node struct {
	Home     string
	DeviceID string
	UserID   string
	PeerName transport.PeerID
}

type Options struct {
	UserID      string
	DisplayName string
}

// NewNode loads the device id from home, creating one on first run.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	id, err := LoadDeviceID(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		id = uuid.NewString()
		if err := SaveDeviceID(home, id); err != nil {
			return nil, err
		}
	}
	return &Node{
		Home:     home,
		DeviceID: id,
		UserID:   opts.UserID,
		PeerName: PeerName(opts.DisplayName, id),
	}, nil
}

func LoadDeviceID(home string) (string, error) {
	data, err := os.ReadFile(filepath.Join(home, deviceIDFile))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("corrupt %s: %w", deviceIDFile, err)
	}
	return id, nil
}

func SaveDeviceID(home, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return err
	}
	path := filepath.Join(home, deviceIDFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PeerName is the name advertised on the mesh: the display name, or the
// host name, followed by a short device suffix so two devices of one
// rider stay distinct.
func PeerName(display, deviceID string) transport.PeerID {
	name := strings.TrimSpace(display)
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "copilot"
		}
	}
	suffix := strings.ReplaceAll(deviceID, "-", "")
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return transport.PeerID(name + "-" + suffix)
}

// Handshake is what this node presents to a base station.
func (n *Node) Handshake() (proto.HandshakeData, error) {
	if n.UserID == "" {
		return proto.HandshakeData{}, errors.New("no user id configured")
	}
	h := proto.HandshakeData{DeviceID: n.DeviceID, UserID: n.UserID}
	return h, h.Validate()
}
