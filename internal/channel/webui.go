package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/consultant/internal/bus"
	"github.com/stellarlinkco/consultant/internal/config"
)

//go:embed static
var staticFiles embed.FS

const webUIChannelName = "webui"

// wsMessage is the web chat frame. Clients send "message" and "reset";
// the server replies with "message" and "error".
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Persona string `json:"persona,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

type WebUIChannel struct {
	BaseChannel
	port    int
	origins []string
	server  *http.Server
	clients sync.Map
	nextID  atomic.Int64
}

var _ Channel = (*WebUIChannel)(nil)

func NewWebUIChannel(cfg config.WebUIConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultWebUIPort
	}

	base := NewBaseChannel(webUIChannelName, b, cfg.AllowFrom)
	base.persona = cfg.Persona
	ch := &WebUIChannel{
		BaseChannel: base,
		port:        port,
		origins:     originPatterns(cfg.AllowOrigins),
	}
	return ch, nil
}

// Handler serves the embedded chat page and the /ws endpoint.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)
	return mux, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler()
	if err != nil {
		return err
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[webui] listening on :%d", w.port)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[webui] server error: %v", err)
		}
	}()

	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		OriginPatterns: w.origins,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		inbound, ok := w.toInbound(clientID, msg)
		if !ok {
			continue
		}

		if !w.IsAllowed(clientID) {
			log.Printf("[webui] rejected message from %s", clientID)
			continue
		}

		w.bus.Inbound <- inbound
	}
}

func (w *WebUIChannel) toInbound(clientID string, msg wsMessage) (bus.InboundMessage, bool) {
	inbound := bus.InboundMessage{
		Channel:   webUIChannelName,
		SenderID:  clientID,
		ChatID:    clientID,
		Content:   strings.TrimSpace(msg.Content),
		Timestamp: time.Now(),
		Persona:   strings.ToLower(strings.TrimSpace(msg.Persona)),
	}
	if inbound.Persona == "" {
		inbound.Persona = w.DefaultPersona()
	}

	switch msg.Type {
	case "reset":
		inbound.Command = CommandReset
		return inbound, true
	case "message":
		if inbound.Content == "" {
			return inbound, false
		}
		if cmd, arg, ok := parseCommand(inbound.Content); ok {
			inbound.Command = cmd
			if cmd == CommandPersona {
				inbound.Persona = strings.ToLower(arg)
			}
		}
		return inbound, true
	}
	return inbound, false
}

func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{
		Type:    "message",
		Content: msg.Content,
		Persona: msg.Persona,
	})
	if err != nil {
		return err
	}

	// Each client is its own consultation; a reply never goes to anyone else.
	client, ok := w.clients.Load(msg.ChatID)
	if !ok {
		log.Printf("[webui] client %s gone, dropping reply", msg.ChatID)
		return nil
	}

	c := client.(*wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// originPatterns turns configured origins (full URLs or bare hosts) into
// the host patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
