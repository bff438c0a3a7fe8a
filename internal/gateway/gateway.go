package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/consultant/internal/bus"
	"github.com/stellarlinkco/consultant/internal/channel"
	"github.com/stellarlinkco/consultant/internal/config"
	"github.com/stellarlinkco/consultant/internal/consult"
	"github.com/stellarlinkco/consultant/internal/cron"
	"github.com/stellarlinkco/consultant/internal/persona"
	"github.com/stellarlinkco/consultant/internal/questions"
	"github.com/stellarlinkco/consultant/internal/server"
	"github.com/stellarlinkco/consultant/internal/session"
	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stellarlinkco/consultant/internal/store"
)

const (
	sessionExpiryJob  = "session-expiry"
	sessionExpiryExpr = "0 */10 * * * *"
	chatRetentionJob  = "chat-retention"
	chatRetentionExpr = "0 30 3 * * *"

	// Transcripts keep far more than the prompt window so stage progress
	// survives long interviews.
	maxSessionEntries = 200

	errorReply = "Sorry, I encountered an error processing your message."
)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory consult.RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
	Version        string
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	personas   *persona.Registry
	classifier *stage.Classifier
	managers   map[string]*consult.Manager
	sessions   *session.Store
	server     *server.Server
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal // for testing

	mu       sync.Mutex
	selected map[string]string // session key -> persona picked with /persona
	active   map[string]string // session key -> persona of the current transcript
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (g *Gateway, err error) {
	g = &Gateway{
		cfg:        cfg,
		managers:   make(map[string]*consult.Manager),
		selected:   make(map[string]string),
		active:     make(map[string]string),
		signalChan: opts.SignalChan,
	}
	defer func() {
		if err != nil {
			g.closeResources()
		}
	}()

	// Message bus
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := cfg.DBPath()
	g.store, err = store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	g.personas, err = persona.Load(filepath.Join(cfg.Agent.Workspace, "personas"), persona.Builtins())
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}

	g.classifier, err = stage.LoadClassifier(cfg.Stages.TablePath)
	if err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.Stages.TablePath); path != "" {
		log.Printf("[gateway] using stage table %s", path)
	}

	var bank *questions.Bank
	if path := strings.TrimSpace(cfg.Questions.DeliveryStaff); path != "" {
		bank, err = questions.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load question bank: %w", err)
		}
	}

	// Create runtimes using factory (allows injection for testing)
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = consult.DefaultRuntimeFactory
	}
	consulters := make([]server.Consulter, 0, len(g.personas.List()))
	for _, p := range g.personas.List() {
		rt, err := factory(cfg, p)
		if err != nil {
			return nil, fmt.Errorf("create runtime for %s: %w", p.ID, err)
		}
		mopts := consult.Options{
			Persona:       p,
			Runtime:       rt,
			Store:         g.store,
			Classifier:    g.classifier,
			Logger:        log.Default(),
			HistoryWindow: cfg.Agent.HistoryWindow,
		}
		if p.QuestionBank {
			mopts.Questions = bank
		}
		m, err := consult.New(mopts)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create manager for %s: %w", p.ID, err)
		}
		g.managers[p.ID] = m
		consulters = append(consulters, m)
	}

	g.sessions = session.New(maxSessionEntries)

	g.server, err = server.New(server.Options{
		Consulters: consulters,
		Classifier: g.classifier,
		Store:      g.store,
		Origins:    cfg.Gateway.AllowOrigins,
		Version:    opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	// Cron state lives next to the database
	g.cron = cron.NewService(filepath.Join(filepath.Dir(dbPath), "cron", "state.json"))
	if err := g.registerMaintenanceJobs(); err != nil {
		return nil, fmt.Errorf("register maintenance jobs: %w", err)
	}

	channels := cfg.Channels
	if len(channels.WebUI.AllowOrigins) == 0 {
		channels.WebUI.AllowOrigins = cfg.Gateway.AllowOrigins
	}
	g.channels, err = channel.NewChannelManager(channels, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	return g, nil
}

func (g *Gateway) registerMaintenanceJobs() error {
	ttl := g.cfg.SessionIdleTTL()
	if _, err := g.cron.AddJob(sessionExpiryJob, sessionExpiryExpr, func(ctx context.Context) (string, error) {
		n := g.sessions.ExpireIdle(ttl)
		return fmt.Sprintf("expired %d idle sessions", n), nil
	}); err != nil {
		return err
	}

	days := g.cfg.Maintenance.ChatRetentionDays
	if days <= 0 {
		return nil
	}
	_, err := g.cron.AddJob(chatRetentionJob, chatRetentionExpr, func(ctx context.Context) (string, error) {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := g.store.PurgeChatHistory(ctx, cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("purged %d chat messages older than %d days", n, days), nil
	})
	return err
}

// Addr is the HTTP API listen address.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	g.server.Start(g.Addr())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s with personas %v", g.Addr(), g.personas.IDs())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			reply, personaID := g.handleInbound(ctx, msg)
			if reply != "" {
				g.bus.Outbound <- bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: reply,
					Persona: personaID,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound runs a chat message or command and returns the reply and
// the persona that produced it.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) (string, string) {
	key := msg.SessionKey()

	switch msg.Command {
	case channel.CommandReset:
		g.sessions.Reset(key)
		return "Started a new consultation.", g.resolvePersona(key, msg.Persona)
	case channel.CommandPersona:
		return g.switchPersona(key, msg.Persona)
	}

	id := g.resolvePersona(key, msg.Persona)
	m, ok := g.managers[id]
	if !ok {
		return fmt.Sprintf("Unknown persona %q. Available: %s", id, strings.Join(g.personas.IDs(), ", ")), ""
	}

	g.mu.Lock()
	if prev, seen := g.active[key]; seen && prev != id {
		g.sessions.Reset(key)
	}
	g.active[key] = id
	g.mu.Unlock()

	req := consult.Request{
		Message:   msg.Content,
		SessionID: g.sessions.Session(key),
		Context: consult.Context{
			UserID:              msg.SenderID,
			Name:                metadataString(msg.Metadata, "first_name"),
			ConversationHistory: g.sessions.History(key),
		},
	}

	resp := m.Process(ctx, req)
	if resp.Status != consult.StatusSuccess {
		return errorReply, id
	}

	g.sessions.Append(key,
		stage.Entry{Sender: stage.SenderUser, Message: msg.Content},
		stage.Entry{Sender: stage.SenderAssistant, Message: resp.Message},
	)
	return resp.Message, id
}

func (g *Gateway) switchPersona(key, id string) (string, string) {
	id = strings.ToLower(strings.TrimSpace(id))
	available := strings.Join(g.personas.IDs(), ", ")
	if id == "" {
		return "Available personas: " + available, ""
	}
	p, err := g.personas.Get(id)
	if err != nil {
		return fmt.Sprintf("Unknown persona %q. Available: %s", id, available), ""
	}

	g.mu.Lock()
	g.selected[key] = p.ID
	g.mu.Unlock()
	g.sessions.Reset(key)
	return fmt.Sprintf("Switched to %s. %s", p.Name, p.Description), p.ID
}

// resolvePersona picks the /persona choice, then the channel's, then the
// configured default.
func (g *Gateway) resolvePersona(key, requested string) string {
	g.mu.Lock()
	id, ok := g.selected[key]
	g.mu.Unlock()
	if ok {
		return id
	}
	if requested = strings.ToLower(strings.TrimSpace(requested)); requested != "" {
		return requested
	}
	return config.DefaultPersona
}

func metadataString(md map[string]any, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

func (g *Gateway) Shutdown() error {
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] server shutdown warning: %v", err)
		}
		cancel()
	}
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	g.closeResources()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeResources() {
	if g.cron != nil {
		g.cron.Stop()
	}
	for _, m := range g.managers {
		m.Close()
	}
	g.managers = map[string]*consult.Manager{}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
		g.store = nil
	}
}

// truncate shortens s to n runes for log lines.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
