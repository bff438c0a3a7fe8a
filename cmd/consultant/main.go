package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/consultant/internal/config"
	"github.com/stellarlinkco/consultant/internal/consult"
	"github.com/stellarlinkco/consultant/internal/cron"
	"github.com/stellarlinkco/consultant/internal/gateway"
	"github.com/stellarlinkco/consultant/internal/persona"
	"github.com/stellarlinkco/consultant/internal/questions"
	"github.com/stellarlinkco/consultant/internal/session"
	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stellarlinkco/consultant/internal/store"
)

var version = "dev"

// ChatOptions for running a chat with custom dependencies
type ChatOptions struct {
	RuntimeFactory consult.RuntimeFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:     "consultant",
	Short:   "consultant - stakeholder consultation agents",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(".env")
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the HTTP API, chat channels and maintenance jobs",
	RunE:    runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Consult a persona with a single message or in REPL mode",
	RunE:  runChat,
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Print the consultation stage for a message and transcript",
	RunE:  runClassify,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace and persona files",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show consultant status",
	RunE:  runStatus,
}

var (
	messageFlag string
	personaFlag string
	emailFlag   string
	historyFlag string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&personaFlag, "persona", "p", config.DefaultPersona, "Persona to consult")
	chatCmd.Flags().StringVar(&emailFlag, "email", "", "Email used to save generated plans")
	classifyCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Current message")
	classifyCmd.Flags().StringVar(&historyFlag, "history", "", "JSON file with the conversation history")
	rootCmd.AddCommand(serveCmd, chatCmd, classifyCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'consultant onboard' or set CONSULTANT_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Version: version})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs a consultation with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry, err := persona.Load(filepath.Join(cfg.Agent.Workspace, "personas"), persona.Builtins())
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	p, err := registry.Get(personaFlag)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(registry.IDs(), ", "))
	}

	// Use injected factory or default
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = consult.DefaultRuntimeFactory
	}

	rt, err := factory(cfg, p)
	if err != nil {
		return err
	}

	// Use injected IO or defaults
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	mopts := consult.Options{
		Persona:       p,
		Runtime:       rt,
		Logger:        log.New(stderr, "", 0),
		HistoryWindow: cfg.Agent.HistoryWindow,
	}
	if mopts.Classifier, err = stage.LoadClassifier(cfg.Stages.TablePath); err != nil {
		rt.Close()
		return err
	}
	if path := strings.TrimSpace(cfg.Questions.DeliveryStaff); path != "" && p.QuestionBank {
		if mopts.Questions, err = questions.Load(path); err != nil {
			rt.Close()
			return fmt.Errorf("load question bank: %w", err)
		}
	}
	if emailFlag != "" {
		st, err := store.Open(cfg.DBPath())
		if err != nil {
			rt.Close()
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		mopts.Store = st
	}

	mgr, err := consult.New(mopts)
	if err != nil {
		rt.Close()
		return err
	}
	defer mgr.Close()

	ctx := context.Background()
	sessions := session.New(0)
	const key = "cli"

	turn := func(input string) consult.Response {
		resp := mgr.Process(ctx, consult.Request{
			Message:   input,
			SessionID: sessions.Session(key),
			Context: consult.Context{
				Email:               emailFlag,
				ConversationHistory: sessions.History(key),
			},
		})
		if resp.Status == consult.StatusSuccess {
			sessions.Append(key,
				stage.Entry{Sender: stage.SenderUser, Message: input},
				stage.Entry{Sender: stage.SenderAssistant, Message: resp.Message},
			)
		}
		return resp
	}

	// Single message mode
	if messageFlag != "" {
		resp := turn(messageFlag)
		if resp.Status != consult.StatusSuccess {
			return fmt.Errorf("agent error: %s", resp.Message)
		}
		printResponse(stdout, stderr, resp)
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "consultant chat with %s (type '/reset' to start over, 'exit' to quit)\n", p.Name)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if input == "/reset" {
			sessions.Reset(key)
			fmt.Fprintln(stdout, "Started a new consultation.")
			continue
		}

		resp := turn(input)
		if resp.Status != consult.StatusSuccess {
			fmt.Fprintf(stderr, "Error: %s\n", resp.Message)
			continue
		}
		printResponse(stdout, stderr, resp)
	}
	return nil
}

func printResponse(stdout, stderr io.Writer, resp consult.Response) {
	fmt.Fprintln(stdout, resp.Message)
	if resp.Data == nil {
		return
	}
	d := resp.Data
	switch {
	case d.ConversationStage != "" && d.Progress != nil:
		fmt.Fprintf(stderr, "[stage %s, %.0f%%]\n", d.ConversationStage, *d.Progress)
	case d.Stage != "":
		fmt.Fprintf(stderr, "[%s]\n", d.Stage)
	}
	if resp.PlanSaved && resp.ConsultationID != nil {
		fmt.Fprintf(stderr, "[plan saved as consultation #%d]\n", *resp.ConsultationID)
	} else if d.PlanGenerated {
		fmt.Fprintln(stderr, "[plan generated, pass --email to save it]")
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	return classify(cmd.OutOrStdout())
}

func classify(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := stage.LoadClassifier(cfg.Stages.TablePath)
	if err != nil {
		return err
	}

	var history []stage.Entry
	if historyFlag != "" {
		data, err := os.ReadFile(historyFlag)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if err := json.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("parse history: %w", err)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.Classify(messageFlag, history))
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	personaDir := filepath.Join(ws, "personas")
	if err := os.MkdirAll(personaDir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := persona.WriteDefaults(personaDir, persona.Builtins()); err != nil {
		return err
	}

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Printf("Persona files: %s\n", personaDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set CONSULTANT_API_KEY in the environment or a .env file")
	fmt.Println("  3. Run 'consultant chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("HTTP API: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)

	if registry, err := persona.Load(filepath.Join(cfg.Agent.Workspace, "personas"), persona.Builtins()); err != nil {
		fmt.Printf("Personas: error (%v)\n", err)
	} else {
		fmt.Printf("Personas: %s\n", strings.Join(registry.IDs(), ", "))
	}

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Database: not found (start 'consultant serve' to create it)")
		return nil
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		fmt.Printf("Database: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Consultations: %d\n", stats.Consultations)
	types := make([]string, 0, len(stats.ByConsultation))
	for t := range stats.ByConsultation {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %s: %d\n", t, stats.ByConsultation[t])
	}
	fmt.Printf("Chat messages: %d\n", stats.ChatMessages)

	states, err := cron.LoadState(filepath.Join(filepath.Dir(dbPath), "cron", "state.json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Maintenance: error (%v)\n", err)
		return nil
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := states[name]
		fmt.Printf("Job %s: last=%s status=%s runs=%d\n", name, s.LastRunAt.Format("2006-01-02 15:04:05"), s.LastStatus, s.Runs)
	}

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
