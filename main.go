// nexus-chat - one prompt, many models, side by side.
//
// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/HyxiaoGe/nexus-chat/internal/config"
	"github.com/HyxiaoGe/nexus-chat/internal/kvstore"
	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/modelinfo"
	"github.com/HyxiaoGe/nexus-chat/internal/orchestrator"
	"github.com/HyxiaoGe/nexus-chat/internal/telemetry"
	"github.com/HyxiaoGe/nexus-chat/internal/transport"
	"github.com/HyxiaoGe/nexus-chat/internal/util"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nexus-chat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Logs go to a file so the REPL stays clean.
	logFile, err := os.OpenFile(filepath.Join(dataDir, "nexus.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	config.SetupLogging(logFile, cfg.LogLevel)
	slog.Info("starting", "version", Version, "config", configPath)

	var store kvstore.Store
	store, err = kvstore.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		slog.Warn("falling back to in-memory store", "error", err)
		store = kvstore.NewMemoryStore()
	}
	defer store.Close()

	printer := newPrinter()
	orch := orchestrator.New(
		store,
		transport.NewResolver(cfg.ProxyURL),
		telemetry.NewAccountant(store),
		cfg.Providers,
		cfg.Agents,
		orchestrator.WithRequestsPerMinute(cfg.RequestsPerMinute),
		orchestrator.WithAppendObserver(printer.append),
		orchestrator.WithNotify(func(n orchestrator.Notification) {
			printer.notice(n.Text)
		}),
	)
	orch.StartSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live-reload providers and agents on config edits.
	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			orch.UpdateConfig(next.Providers, next.Agents)
			printer.notice("configuration reloaded")
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// Ctrl-C during a stream stops the batch instead of killing the app.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if orch.IsStreaming() {
				orch.StopAll()
			} else {
				cancel()
				return
			}
		}
	}()

	return repl(ctx, orch, printer, dataDir)
}

// =============================================================================
// REPL
// =============================================================================

func repl(ctx context.Context, orch *orchestrator.Orchestrator, printer *printer, dataDir string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(dataDir, "history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("nexus-chat %s. Type /help for commands.\n", Version)

	var lastPrompt string
	for ctx.Err() == nil {
		input, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := command(ctx, orch, printer, input, &lastPrompt); quit {
				return nil
			}
			continue
		}

		lastPrompt = input
		if err := orch.Send(ctx, input); err != nil {
			fmt.Printf("! %v\n", err)
			continue
		}
		awaitBatch(orch, printer)
	}
	return nil
}

// command dispatches a slash command. Returns true to quit.
func command(ctx context.Context, orch *orchestrator.Orchestrator, printer *printer, input string, lastPrompt *string) bool {
	fields := strings.Fields(input)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Print(helpText)

	case "/new":
		s := orch.StartSession()
		fmt.Printf("started session %s\n", s.ID)

	case "/sessions":
		for _, s := range orch.Sessions() {
			marker := " "
			if cur := orch.Current(); cur != nil && cur.ID == s.ID {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, s.ID, util.TruncateString(s.Title, 40))
		}

	case "/load":
		if err := orch.LoadSession(arg); err != nil {
			fmt.Printf("! %v\n", err)
			break
		}
		for _, m := range orch.Messages() {
			printer.replay(orch, m)
		}

	case "/agents":
		for _, a := range orch.Agents() {
			state := "enabled"
			if !a.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s  %s (%s %s, %s)\n", a.ID, a.Name, modelinfo.Classify(a.ModelID), a.ModelID, state)
		}

	case "/regen":
		if *lastPrompt == "" {
			fmt.Println("! nothing to regenerate yet")
			break
		}
		var err error
		if arg == "" {
			err = orch.RegenerateAll(ctx, *lastPrompt)
		} else {
			err = orch.RegenerateOne(ctx, *lastPrompt, arg)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
			break
		}
		awaitBatch(orch, printer)

	case "/stop":
		if arg == "" {
			orch.StopAll()
		} else if err := orch.StopOne(arg); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/usage":
		if s := orch.Current(); s != nil && s.Usage != nil {
			fmt.Printf("session tokens: %d  cost: $%.4f\n", s.Usage.TotalTokens, s.Usage.TotalCost)
		} else {
			fmt.Println("no usage recorded yet")
		}

	default:
		fmt.Printf("! unknown command %s\n", fields[0])
	}
	return false
}

const helpText = `commands:
  /new             start a new session
  /sessions        list sessions
  /load <id>       switch to a session
  /agents          list configured agents
  /regen [agent]   regenerate the last prompt (all agents or one)
  /stop [msg-id]   stop all streams, or one by message id
  /usage           show session token usage and cost
  /quit            exit
`

// awaitBatch blocks until the current batch settles, then prints the
// per-agent summary lines.
func awaitBatch(orch *orchestrator.Orchestrator, printer *printer) {
	for orch.IsStreaming() {
		time.Sleep(50 * time.Millisecond)
	}
	// Give finalization a beat to land metrics and usage.
	time.Sleep(50 * time.Millisecond)
	printer.finishBatch(orch)
}

// =============================================================================
// OUTPUT
// =============================================================================

// printer serializes interleaved stream chunks onto the terminal,
// labelling output whenever the source message changes.
type printer struct {
	mu     sync.Mutex
	lastID string
}

func newPrinter() *printer {
	return &printer{}
}

func (p *printer) append(messageID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if messageID != p.lastID {
		fmt.Printf("\n[%s] ", shortID(messageID))
		p.lastID = messageID
	}
	fmt.Print(text)
}

func (p *printer) notice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID = ""
	fmt.Printf("\n* %s\n", text)
}

// finishBatch prints one summary line per finalized agent message.
func (p *printer) finishBatch(orch *orchestrator.Orchestrator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID = ""
	fmt.Println()

	msgs := orch.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == model.RoleUser {
			break
		}
		if m.AgentID == "" {
			continue
		}
		name := agentName(orch, m.AgentID)
		switch {
		case m.Error != "":
			fmt.Printf("  %s: error: %s\n", name, m.Error)
		case m.TokenUsage != nil:
			cost := ""
			if m.TokenUsage.EstimatedCost != nil {
				cost = fmt.Sprintf("  $%.4f", *m.TokenUsage.EstimatedCost)
			}
			fmt.Printf("  %s: %d tokens in %dms (%.1f tok/s)%s\n",
				name, m.TokenUsage.TotalTokens, m.ResponseTimeMs, m.TokensPerSec, cost)
		default:
			fmt.Printf("  %s: done in %dms\n", name, m.ResponseTimeMs)
		}
	}
}

// replay prints a stored message when switching sessions.
func (p *printer) replay(orch *orchestrator.Orchestrator, m model.Message) {
	if m.Role == model.RoleUser {
		fmt.Printf("> %s\n", m.Content)
		return
	}
	fmt.Printf("[%s] %s\n", agentName(orch, m.AgentID), m.Content)
}

func agentName(orch *orchestrator.Orchestrator, agentID string) string {
	for _, a := range orch.Agents() {
		if a.ID == agentID {
			return a.Name
		}
	}
	return shortID(agentID)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 && len(id) > i+9 {
		return id[:i+9]
	}
	return id
}
