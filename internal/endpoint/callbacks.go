package endpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ekmixon/dpp/internal/dpp"
	"github.com/ekmixon/dpp/internal/dppengine"
	"github.com/ekmixon/dpp/internal/metrics"
	"github.com/ekmixon/dpp/internal/netio"
	"github.com/ekmixon/dpp/internal/wire"
	"github.com/ekmixon/dpp/internal/wpactrl"
)

// Callbacks implements dppengine.Callbacks (spec.md §6, "the engine
// calls back") by resolving a Handle back to its session's MAC pair via
// Registry and handing the resulting action frame to Conn. It is the
// production Frame I/O Adapter glue between the engine and the radio:
// tests use a simpler noop implementation instead (see endpoint_test.go).
type Callbacks struct {
	logger   *slog.Logger
	registry *dpp.Registry
	conn     netio.RadioConn
	notifier *wpactrl.Notifier
	metrics  *metrics.Collector
}

// NewCallbacks builds a Callbacks bound to reg and conn. notifier may be
// nil, in which case ProvisionConnector only logs.
func NewCallbacks(logger *slog.Logger, reg *dpp.Registry, conn netio.RadioConn, notifier *wpactrl.Notifier) *Callbacks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Callbacks{logger: logger, registry: reg, conn: conn, notifier: notifier}
}

// SetMetrics attaches the Collector this Callbacks records transmitted
// Public Action frames against. Safe to leave unset.
func (c *Callbacks) SetMetrics(m *metrics.Collector) { c.metrics = m }

func (c *Callbacks) dppPeer(h dppengine.Handle) (wire.MAC, wire.MAC, error) {
	sess, err := c.registry.DPPByHandle(h)
	if err != nil {
		return wire.MAC{}, wire.MAC{}, err
	}
	return sess.MyMAC, sess.PeerMAC(), nil
}

func (c *Callbacks) pkexPeer(h dppengine.Handle) (wire.MAC, wire.MAC, error) {
	sess, err := c.registry.PKEXByHandle(h)
	if err != nil {
		return wire.MAC{}, wire.MAC{}, err
	}
	return sess.MyMAC, sess.PeerMAC(), nil
}

func (c *Callbacks) send(my, peer wire.MAC, field wire.PublicActionField, frameType wire.FrameType, body []byte) error {
	af := wire.ActionFrame{Src: my, Dst: peer, Field: field, FrameType: frameType, Body: body}
	_, err := c.conn.SendActionFrame(context.Background(), my, peer, wire.Encode(af))
	if err == nil && c.metrics != nil {
		c.metrics.IncFramesSent()
	}
	return err
}

// TransmitAuthFrame implements dppengine.Callbacks.
func (c *Callbacks) TransmitAuthFrame(h dppengine.Handle, body []byte) error {
	my, peer, err := c.dppPeer(h)
	if err != nil {
		return fmt.Errorf("transmit auth frame: %w", err)
	}
	return c.send(my, peer, wire.FieldVendorSpecific, wire.DPPAuthRequest, body)
}

// TransmitConfigFrame implements dppengine.Callbacks.
func (c *Callbacks) TransmitConfigFrame(h dppengine.Handle, field wire.PublicActionField, body []byte) error {
	my, peer, err := c.dppPeer(h)
	if err != nil {
		return fmt.Errorf("transmit config frame: %w", err)
	}
	return c.send(my, peer, field, wire.DPPConfigResult, body)
}

// TransmitDiscoveryFrame implements dppengine.Callbacks.
func (c *Callbacks) TransmitDiscoveryFrame(h dppengine.Handle, body []byte, _ uint8) error {
	my, peer, err := c.dppPeer(h)
	if err != nil {
		return fmt.Errorf("transmit discovery frame: %w", err)
	}
	return c.send(my, peer, wire.FieldVendorSpecific, wire.DPPPeerDiscoverReq, body)
}

// TransmitPKEXFrame implements dppengine.Callbacks.
func (c *Callbacks) TransmitPKEXFrame(h dppengine.Handle, body []byte) error {
	my, peer, err := c.pkexPeer(h)
	if err != nil {
		return fmt.Errorf("transmit pkex frame: %w", err)
	}
	return c.send(my, peer, wire.FieldVendorSpecific, wire.DPPPKEXExchangeReq, body)
}

// ChangeChannel implements dppengine.Callbacks by switching the local
// radio's operating class and channel.
func (c *Callbacks) ChangeChannel(opclass, channel uint8) error {
	return c.conn.SetChannel(opclass, channel)
}

// ChangeFreq is the frequency-addressed analogue of ChangeChannel; the
// reference regulatory tables key off (opclass, channel), so this
// resolves freqMHz through the same SetChannel path once a caller knows
// which opclass/channel pair it maps to. Until that mapping is wired in,
// it only logs.
func (c *Callbacks) ChangeFreq(freqMHz uint32) error {
	c.logger.Debug("ignoring frequency-addressed channel change", "freq_mhz", freqMHz)
	return nil
}

// ProvisionConnector implements dppengine.Callbacks by announcing the
// new Connector over D-Bus (spec.md §9, Configurator path).
func (c *Callbacks) ProvisionConnector(h dppengine.Handle, connector []byte) error {
	_, peer, err := c.dppPeer(h)
	if err != nil {
		return fmt.Errorf("provision connector: %w", err)
	}
	if c.notifier == nil {
		c.logger.Info("connector provisioned", "peer_mac", peer, "connector_len", len(connector))
		return nil
	}
	return c.notifier.NotifyProvisioned(peer, connector)
}

// SaveBootstrapKey implements dppengine.Callbacks by logging only: it
// does not append the key to the bootstrap store (package bootstrap),
// and no other daemon code path calls Store.Append, so a key learned
// through PKEX is not persisted.
func (c *Callbacks) SaveBootstrapKey(h dppengine.Handle, peerMAC wire.MAC, _ []byte) error {
	c.logger.Info("peer bootstrap key learned", "handle", h, "peer_mac", peerMAC)
	return nil
}

// Term implements dppengine.Callbacks by logging session termination
// only. The session stays in the Registry: no daemon code path calls
// DestroyDPPSession or DestroyPKEXSession.
func (c *Callbacks) Term(h dppengine.Handle, reason int) {
	c.logger.Info("engine terminated session", "handle", h, "reason", reason)
}
