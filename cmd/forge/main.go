package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/budget"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/config"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/llm"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/manager"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/policy"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/tokens"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/tui"
)

const version = "1.0.0"

type runtimeDeps struct {
	cfg    config.Config
	log    *logging.Logger
	store  *session.Store
	index  *session.Index
	mgr    *manager.Manager
	est    tokens.Estimator
	client llm.Completer
}

func buildRuntime() (*runtimeDeps, error) {
	cfg, err := config.LoadConfig(config.DefaultConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("FORGE_API_KEY")
	}

	log := logging.NewLogger(os.Stderr)
	store, err := session.NewStore(cfg.StorageRoot, log)
	if err != nil {
		return nil, err
	}
	index, err := session.NewIndex(store, log)
	if err != nil {
		return nil, err
	}

	est := tokens.NewCached(tokens.ForModel(cfg.Model, log))
	capper := &policy.ToolResultCapper{MaxTokens: cfg.ToolResultMaxTokens, Est: est}
	mgr := manager.New(store, index, log,
		manager.WithCheckpointInterval(time.Duration(cfg.CheckpointSeconds)*time.Second),
		manager.WithToolResultCapper(capper),
	)

	var client llm.Completer
	if cfg.APIKey != "" {
		client = llm.NewClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
	} else {
		client = &llm.Mock{}
	}

	return &runtimeDeps{
		cfg:    cfg,
		log:    log,
		store:  store,
		index:  index,
		mgr:    mgr,
		est:    est,
		client: client,
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:     "forge",
		Short:   "Forge - durable sessions for an AI coding assistant",
		Long:    "Forge manages durable, crash-safe conversation sessions with automatic context budgeting and compaction.\n\nRun without arguments to pick a session and chat.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			startNew, _ := cmd.Flags().GetBool("new")
			return runChat(sessionID, startNew)
		},
	}
	root.Flags().StringP("session", "s", "", "Session id to resume")
	root.Flags().BoolP("new", "n", false, "Start a new session without the picker")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildRuntime()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			search, _ := cmd.Flags().GetString("search")
			dir, _ := cmd.Flags().GetString("dir")
			sortBy, _ := cmd.Flags().GetString("sort")
			asc, _ := cmd.Flags().GetBool("asc")

			sums := deps.index.List(session.ListOptions{
				Limit:      limit,
				Offset:     offset,
				SortBy:     sortBy,
				Descending: sortBy != "" && !asc,
				Tags:       tags,
				Search:     search,
				WorkDir:    dir,
			})
			if len(sums) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			for _, sum := range sums {
				title := sum.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %-40s  %4d msgs  %7d tokens  %s\n",
					sum.ID[:8], title, sum.MessageCount, sum.TotalTokens,
					sum.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	listCmd.Flags().Int("limit", 20, "Maximum sessions to show")
	listCmd.Flags().Int("offset", 0, "Skip this many sessions")
	listCmd.Flags().StringSlice("tag", nil, "Require all of these tags")
	listCmd.Flags().String("search", "", "Case-insensitive title substring")
	listCmd.Flags().String("dir", "", "Filter by working directory")
	listCmd.Flags().String("sort", "", "Sort field: updated|created|title|messages|tokens")
	listCmd.Flags().Bool("asc", false, "Sort ascending")
	root.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a saved session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildRuntime()
			if err != nil {
				return err
			}
			sess, err := deps.store.Load(args[0])
			if err != nil {
				return err
			}
			title := sess.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s\n", sess.ID, title)
			fmt.Printf("model=%s workdir=%s tokens=%d/%d\n\n",
				sess.Model, sess.WorkDir, sess.PromptTokens, sess.CompletionTokens)
			for _, msg := range sess.Messages {
				fmt.Printf("[%s] %s\n", strings.ToUpper(msg.Role), msg.Content)
			}
			if len(sess.ToolHistory) > 0 {
				fmt.Printf("\nTool calls:\n")
				for _, inv := range sess.ToolHistory {
					status := "ok"
					if !inv.Success {
						status = "failed"
					}
					fmt.Printf("  %s %s (%dms)\n", inv.ToolName, status, inv.DurationMs)
				}
			}
			return nil
		},
	}
	root.AddCommand(showCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildRuntime()
			if err != nil {
				return err
			}
			if !deps.mgr.Delete(args[0]) {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
	root.AddCommand(deleteCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildRuntime()
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("age")
			keep, _ := cmd.Flags().GetInt("keep")
			deleted, err := deps.store.CleanupOlderThan(time.Duration(days)*24*time.Hour, keep)
			if err != nil {
				return err
			}
			for _, id := range deleted {
				deps.index.Remove(id)
			}
			if err := deps.index.SaveIfDirty(); err != nil {
				return err
			}
			fmt.Printf("Deleted %d sessions\n", len(deleted))
			return nil
		},
	}
	cleanupCmd.Flags().Int("age", 30, "Delete sessions idle for this many days")
	cleanupCmd.Flags().Int("keep", 10, "Always keep this many most recent sessions")
	root.AddCommand(cleanupCmd)

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the session index from session files",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildRuntime()
			if err != nil {
				return err
			}
			if err := deps.index.Rebuild(); err != nil {
				return err
			}
			if err := deps.index.SaveIfDirty(); err != nil {
				return err
			}
			fmt.Printf("Indexed %d sessions\n", deps.index.Count())
			return nil
		},
	}
	root.AddCommand(reindexCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const chatSystemPrompt = "You are a careful coding assistant. Answer concisely and prefer concrete, working suggestions."

func runChat(sessionID string, startNew bool) error {
	deps, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if sessionID == "" && !startNew {
		sums := deps.index.List(session.ListOptions{Limit: 50})
		if len(sums) > 0 {
			picked, wantNew, err := tui.PickSession(sums)
			if err != nil {
				return err
			}
			if picked == "" && !wantNew {
				return nil
			}
			sessionID = picked
		}
	}

	workDir, _ := os.Getwd()
	sess, err := deps.mgr.ResumeOrCreate(sessionID, "", workDir, deps.cfg.Model, nil)
	if err != nil {
		return err
	}
	defer deps.mgr.StopCheckpoint()
	defer deps.mgr.Close(nil)

	tracker := budget.NewTracker(deps.cfg.Model, deps.est, deps.log,
		budget.WithContextWindow(deps.cfg.ContextWindowTokens),
		budget.WithOutputReserve(deps.cfg.OutputReserveTokens),
	)
	tracker.SetSystemPrompt(chatSystemPrompt)

	shrink := policy.Composite{Stages: []policy.Policy{
		policy.Selective{PreserveRoles: []string{session.RoleSystem}},
		policy.SlidingWindow{Window: 40, KeepSystem: true},
		policy.TokenBudget{},
	}}
	compactor := policy.NewCompactor(deps.client, deps.log)
	compactor.MinMessages = deps.cfg.CompactionMinMessages
	compactor.KeepRecent = deps.cfg.CompactionKeepRecent

	fmt.Printf("Session %s (%s). Type /quit to exit.\n", sess.ID[:8], deps.cfg.Model)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handled, quit := handleChatCommand(deps, line); handled {
			if quit {
				break
			}
			continue
		}

		if _, err := deps.mgr.AddMessage(session.RoleUser, line); err != nil {
			return err
		}
		_ = deps.mgr.EnsureTitle()

		reply, prompt, err := completeTurn(ctx, deps, tracker, shrink)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if _, err := deps.mgr.AddMessage(session.RoleAssistant, reply); err != nil {
			return err
		}
		_ = deps.mgr.UpdateUsage(deps.est.Count(prompt), deps.est.Count(reply))
		fmt.Println(reply)

		if tracker.UtilizationFraction() > 0.8 {
			deps.mgr.CompactInBackground(ctx, compactor)
		}
	}
	return nil
}

// completeTurn assembles a bounded prompt from the current session and asks
// the model. A provider-side context overflow forces one more eviction pass
// and a single retry.
func completeTurn(ctx context.Context, deps *runtimeDeps, tracker *budget.Tracker, shrink policy.Policy) (reply, prompt string, err error) {
	msgs, err := deps.mgr.MessagesSnapshot()
	if err != nil {
		return "", "", err
	}

	tracker.Reset()
	tracker.AddAll(msgs)
	if tracker.ExceedsLimit() {
		msgs = shrink.Apply(msgs, tracker.Budget(), deps.est)
		tracker.Reset()
		tracker.AddAll(msgs)
	}

	prompt = buildChatPrompt(chatSystemPrompt, msgs)
	reply, err = deps.client.Complete(ctx, prompt)
	if llm.IsContextOverflow(err) {
		msgs = policy.TokenBudget{}.Apply(msgs, tracker.Budget()/2, deps.est)
		prompt = buildChatPrompt(chatSystemPrompt, msgs)
		reply, err = deps.client.Complete(ctx, prompt)
	}
	return reply, prompt, err
}

func buildChatPrompt(systemPrompt string, msgs []session.Message) string {
	var b strings.Builder
	b.WriteString("[SYSTEM]\n")
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	for _, m := range msgs {
		role := strings.ToUpper(m.Role)
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		b.WriteString("[" + role + "]\n")
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// handleChatCommand processes /-prefixed REPL commands. Returns whether the
// line was a command and whether the loop should exit.
func handleChatCommand(deps *runtimeDeps, line string) (handled, quit bool) {
	if !strings.HasPrefix(line, "/") {
		return false, false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, true
	case "/title":
		if len(fields) > 1 {
			if err := deps.mgr.SetTitle(strings.Join(fields[1:], " ")); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	case "/tag":
		if len(fields) > 1 {
			if err := deps.mgr.Tag(fields[1]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	case "/untag":
		if len(fields) > 1 {
			if err := deps.mgr.Untag(fields[1]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	case "/save":
		if err := deps.mgr.Save(nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	default:
		fmt.Println("commands: /quit /title <t> /tag <t> /untag <t> /save")
	}
	return true, false
}
