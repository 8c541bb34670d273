// Package dbus exposes a read-only mirror of the daemon's state on the
// session bus, for desktop widgets and scripts that prefer D-Bus over
// the unix socket. Control operations are deliberately not exported
// here; they stay behind the socket and its auth gate.
package dbus

import (
	"encoding/json"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

const (
	busName   = "org.jetsonscope.Daemon"
	objPath   = "/org/jetsonscope/Daemon"
	ifaceName = "org.jetsonscope.Daemon"
)

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetCurrentStats">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetMeta">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHealth">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="ListControls">
      <arg direction="out" type="s" name="json"/>
    </method>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// Service exposes the telemetry daemon over D-Bus.
type Service struct {
	stats    protocol.StatsProvider
	controls protocol.ControlProvider
	tracker  *health.Tracker
}

// NewService creates a new D-Bus service.
func NewService(stats protocol.StatsProvider, controls protocol.ControlProvider, tracker *health.Tracker) *Service {
	return &Service{stats: stats, controls: controls, tracker: tracker}
}

// Export registers the service on the session bus.
func (s *Service) Export() (*godbus.Conn, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	conn.Export(s, objPath, ifaceName)
	conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable")

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("name %s already taken", busName)
	}

	return conn, nil
}

// GetCurrentStats returns the latest snapshot as JSON.
func (s *Service) GetCurrentStats() (string, *godbus.Error) {
	snap := s.stats.Current()
	source := ""
	if snap != nil {
		source = snap.Source
	}
	return marshal(protocol.StatsPayload{Source: source, Data: snap})
}

// GetMeta returns the detected hardware description as JSON.
func (s *Service) GetMeta() (string, *godbus.Error) {
	return marshal(s.stats.Meta())
}

// GetHealth returns the daemon health counters as JSON.
func (s *Service) GetHealth() (string, *godbus.Error) {
	return marshal(s.tracker.Snapshot())
}

// ListControls returns the control listing as JSON.
func (s *Service) ListControls() (string, *godbus.Error) {
	return marshal(s.controls.List())
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}
