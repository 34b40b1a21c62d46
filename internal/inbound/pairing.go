package inbound

import (
	"context"
	"fmt"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/store"
)

// SendPairingPrompt issues a pairing code for senderID (if one doesn't
// already exist) and sends it back through reply as the channel's only
// response to an unpaired sender — no turn is dispatched until approved.
func SendPairingPrompt(ctx context.Context, pairing store.PairingStore, reply *ReplyDispatcher, msg bus.InboundMessage) error {
	code, err := pairing.RequestPairing(msg.SenderID, msg.Channel, msg.ChatID, "default")
	if err != nil {
		return fmt.Errorf("inbound: failed to issue pairing code: %w", err)
	}

	text := fmt.Sprintf("This conversation isn't paired yet. Ask an admin to approve code %s to continue.", code)
	return reply.Send(ctx, ReplyFinal, ReplyPayload{Channel: msg.Channel, ChatID: msg.ChatID, Text: text})
}
