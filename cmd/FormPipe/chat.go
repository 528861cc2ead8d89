package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/bootstrap"
	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/form"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ChannelCLI tags sessions started from the terminal.
const ChannelCLI = "cli"

const (
	chatQuit = "/quit"
	chatDone = "/done"
)

func newChatCmd(config *bootstrap.Config) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "chat FORM_FILE",
		Short: "Fill in a form interactively in the terminal",
		Long: `Publishes FORM_FILE into a throwaway in-memory store and starts a session against it.
Type /done to submit early or /quit to leave without submitting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Keep debug logs out of the conversation unless a level was asked for.
			if !cmd.Flags().Changed("log-level") && os.Getenv("FORMPIPE_LOG_LEVEL") == "" {
				bootstrap.SetLogLevel("warn")
			}
			render := plainRenderer
			if !plain {
				render = terminalRenderer(cmd.OutOrStdout())
			}
			return runChat(cmd.Context(), *config, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), render)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print replies without markdown rendering")
	return cmd
}

func plainRenderer(s string) string { return s }

// terminalRenderer renders replies as markdown when out is a terminal.
func terminalRenderer(out io.Writer) func(string) string {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return plainRenderer
	}
	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return plainRenderer
	}
	return func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimRight(out, "\n")
	}
}

func runChat(ctx context.Context, config bootstrap.Config, path string, in io.Reader, out io.Writer, render func(string) string) error {
	def, err := form.LoadFile(path)
	if err != nil {
		return err
	}
	now := time.Now()
	def.CreatedAt = now
	issues, err := form.Publish(def, now)
	for _, issue := range issues {
		fmt.Fprintf(out, "  %s\n", issue)
	}
	if err != nil {
		return err
	}

	// A private in-memory instance; nothing from the chat outlives the process.
	config.StoreKind = store.KindMemory
	config.DBDSN = ""
	config.FormsDir = ""
	config.LockStateDir = false
	config.RedisAddr = ""
	config.TwilioFormSlug = ""
	config.TwilioAuthToken = ""
	config.TwilioOutbound = false
	app, err := bootstrap.Build(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Store.SaveForm(ctx, *def); err != nil {
		return err
	}
	started, err := app.Engine.StartSession(ctx, def.Slug, engine.StartOptions{Channel: ChannelCLI})
	if err != nil {
		return err
	}
	sessionID := started.Session.ID
	fmt.Fprintln(out, render(started.Reply))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case chatQuit:
			fmt.Fprintln(out, "Left without submitting.")
			return nil
		case chatDone:
			sub, err := app.Engine.CompleteSession(ctx, sessionID)
			if err != nil {
				return err
			}
			printAnswers(out, sub)
			return nil
		}

		result, err := app.Engine.ProcessTurn(ctx, sessionID, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, render(result.Reply))
		switch result.State {
		case models.SessionStatusCompleted:
			sub, err := app.Store.GetSubmission(ctx, sessionID)
			if err != nil {
				return err
			}
			printAnswers(out, sub)
			return nil
		case models.SessionStatusError:
			return fmt.Errorf("session %s ended in error", sessionID)
		}
	}
}

func printAnswers(out io.Writer, sub *models.Submission) {
	fmt.Fprintf(out, "Submitted %s\n", sub.ID)
	keys := make([]string, 0, len(sub.Answers))
	for k := range sub.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, sub.Answers[k])
	}
}
