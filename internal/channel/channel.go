package channel

import (
	"context"
	"strings"

	"github.com/stellarlinkco/consultant/internal/bus"
)

// Control commands understood by the gateway.
const (
	CommandReset   = "reset"
	CommandPersona = "persona"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	persona   string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID may talk to the channel. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// DefaultPersona is the persona used when a message does not pick one.
func (c *BaseChannel) DefaultPersona() string {
	return c.persona
}

// parseCommand splits "/persona riley" into ("persona", "riley").
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", "", false
	}
	name := strings.ToLower(fields[0])
	// Telegram appends @botname in group chats.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	switch name {
	case CommandReset, CommandPersona:
		return name, strings.Join(fields[1:], " "), true
	}
	return "", "", false
}
