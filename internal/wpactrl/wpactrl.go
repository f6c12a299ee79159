// Package wpactrl is a thin D-Bus announcer for the Configurator path
// (spec.md §4.3): once a session's engine calls ProvisionConnector, a
// wpa_supplicant-like local consumer needs to learn the new Connector
// without polling the bootstrap store or admin API. This package emits
// that as a D-Bus signal on the system bus, mirroring how a real
// wpa_supplicant installation exposes its DPP events over
// fi.w1.wpa_supplicant1.
package wpactrl

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/ekmixon/dpp/internal/wire"
)

// Interface is the D-Bus interface name signals are emitted under.
const Interface = "org.dppd.Connector1"

// SignalProvisioned is the member name of the "new connector" signal.
const SignalProvisioned = "Provisioned"

// Notifier emits Connector-provisioned notifications over D-Bus. A
// Notifier without a bus connection (the one New returns on its error
// path) is valid and turns every Notify call into a logged no-op, so
// daemons running without a system bus (e.g. in a test container) still
// function. A nil *Notifier is not valid.
type Notifier struct {
	logger *slog.Logger
	conn   *dbus.Conn
	path   dbus.ObjectPath
}

// New connects to the host's system D-Bus bus and returns a Notifier
// bound to objPath. If the bus is unreachable, it returns a Notifier
// that only logs, and the error, so callers can decide whether that's
// fatal for their role.
func New(logger *slog.Logger, objPath string) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{logger: logger, path: dbus.ObjectPath(objPath)}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return n, fmt.Errorf("wpactrl: connect system bus: %w", err)
	}
	n.conn = conn
	return n, nil
}

// Close releases the underlying D-Bus connection, if any.
func (n *Notifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// NotifyProvisioned emits SignalProvisioned for peerMAC, carrying the
// connector bytes as-is. Callers invoke this from the event loop after
// Callbacks.ProvisionConnector fires (spec.md §6); it never blocks on
// the bus beyond the local socket write.
func (n *Notifier) NotifyProvisioned(peerMAC wire.MAC, connector []byte) error {
	n.logger.Info("connector provisioned", "peer_mac", peerMAC, "connector_len", len(connector))
	if n.conn == nil {
		return nil
	}
	return n.conn.Emit(n.path, Interface+"."+SignalProvisioned, peerMAC.String(), connector)
}
