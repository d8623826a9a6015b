// ABOUTME: Server-initiated event fan-out to every live connection of a user
// ABOUTME: Each delivery is sealed under that connection's own device keys

package gateway

import (
	"context"
	"encoding/json"

	"github.com/latticehq/lattice-gateway/internal/protocol"
)

// BroadcastToUser seals the named event for every active connection the
// user currently holds and returns how many deliveries succeeded. A
// failed delivery is logged and skipped; it never aborts the rest of
// the fan-out.
func (g *Gateway) BroadcastToUser(ctx context.Context, userID, name string, payload json.RawMessage) (int, error) {
	conns := g.registry.GetAllForUser(userID)

	delivered := 0
	for _, conn := range conns {
		if !conn.Active() {
			continue
		}

		device, err := g.store.GetDevice(ctx, conn.DeviceID)
		if err != nil {
			g.logger.Warn("broadcast skipped connection, device lookup failed",
				"connection_id", conn.ID, "device_id", conn.DeviceID, "error", err)
			continue
		}

		seq := conn.NextSequence()
		plaintext, err := protocol.EncodePayload(&protocol.Event{Name: name, Payload: payload, Seq: seq})
		if err != nil {
			return delivered, err
		}

		env, err := g.codec.Seal(device, seq, plaintext)
		if err != nil {
			g.logger.Warn("broadcast seal failed",
				"connection_id", conn.ID, "device_id", conn.DeviceID, "error", err)
			continue
		}
		if err := conn.Transport.SendEnvelope(env); err != nil {
			g.logger.Warn("broadcast send failed",
				"connection_id", conn.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}
