package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/harun/convo/pkg/chat"
	"github.com/harun/convo/pkg/session"
	"github.com/spf13/cobra"
)

var chatSessionID string

const chatCommands = `Commands:
  /new              start a new session
  /sessions         list sessions, newest first
  /search <text>    list sessions whose summary contains text
  /switch <n|id>    switch to a listed session by number or id prefix
  /history          show the current session
  /resume           answer a message left without a reply
  /export [file]    write the transcript (default chat_<id>.txt)
  /quit             leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the model interactively",
	Long: `Start an interactive conversation.

Without --session the most recent conversation is continued, or a new one
is started when none exist. Type a message and press enter; the reply
streams as it is generated. Ctrl-C during a reply abandons it.

` + chatCommands,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session to continue")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	a.storageBanner(out)

	r := newREPL(a.manager, cmd.InOrStdin(), out)
	r.interruptible = true
	if err := r.selectInitial(ctx, chatSessionID); err != nil {
		return err
	}
	return r.run(ctx)
}

// repl is the interactive chat loop. It keeps its own display list of
// sessions, refreshed through the manager on /sessions and /search.
type repl struct {
	manager  *chat.Manager
	in       *bufio.Scanner
	out      io.Writer
	current  string
	sessions []chat.SessionInfo

	// interruptible lets SIGINT abandon a streaming reply.
	interruptible bool
}

func newREPL(manager *chat.Manager, in io.Reader, out io.Writer) *repl {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &repl{manager: manager, in: scanner, out: out}
}

// selectInitial continues sessionID, or the newest session, or a new one.
func (r *repl) selectInitial(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		return r.switchTo(ctx, sessionID)
	}

	infos, err := r.manager.Overview(ctx)
	if err != nil {
		return err
	}
	r.sessions = infos
	if len(infos) > 0 {
		return r.switchTo(ctx, infos[0].ID)
	}
	return r.newSession(ctx)
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, dimStyle.Render("Type /help for commands, /quit to leave."))
	for {
		fmt.Fprint(r.out, roleLabel(session.RoleUser)+" ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, line); err != nil {
			r.printError(err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, chatCommands)
		return false, nil
	case "/new":
		return false, r.newSession(ctx)
	case "/sessions":
		return false, r.listSessions(ctx, "")
	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search <text>")
		}
		return false, r.listSessions(ctx, arg)
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <number|session-id>")
		}
		id, err := r.resolve(ctx, arg)
		if err != nil {
			return false, err
		}
		return false, r.switchTo(ctx, id)
	case "/history":
		h, err := r.manager.GetHistory(ctx, r.current)
		if err != nil {
			return false, err
		}
		printHistory(r.out, h)
		return false, nil
	case "/resume":
		return false, r.resume(ctx)
	case "/export":
		h, err := r.manager.GetHistory(ctx, r.current)
		if err != nil {
			return false, err
		}
		return false, exportTranscript(r.out, h, arg)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
}

func (r *repl) newSession(ctx context.Context) error {
	id, err := r.manager.NewSession(ctx)
	if err != nil {
		return err
	}
	r.current = id
	fmt.Fprintf(r.out, "Started session %s\n", id)
	return nil
}

func (r *repl) switchTo(ctx context.Context, id string) error {
	h, err := r.manager.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	r.current = id
	fmt.Fprintln(r.out, headerStyle.Render(fmt.Sprintf("%s (%s)", h.Summary, id)))
	printHistory(r.out, h)
	if _, pending := chat.PendingUserMessage(h.Messages); pending {
		fmt.Fprintln(r.out, dimStyle.Render("The last message has no reply yet. Type /resume to ask again."))
	}
	return nil
}

func (r *repl) listSessions(ctx context.Context, query string) error {
	infos, err := r.manager.Overview(ctx)
	if err != nil {
		return err
	}
	r.sessions = chat.FilterBySummary(infos, query)
	if len(r.sessions) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("No sessions found."))
		return nil
	}
	for i, info := range r.sessions {
		marker := " "
		if info.ID == r.current {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %2d. %s %s\n", marker, i+1, info.Summary,
			dimStyle.Render(fmt.Sprintf("(%s, %d messages)", shortID(info.ID), info.MessageCount)))
	}
	return nil
}

// resolve maps a list number from the last /sessions or /search, a full
// id, or a unique id prefix to a session id.
func (r *repl) resolve(ctx context.Context, arg string) (string, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(r.sessions) {
			return "", fmt.Errorf("no session #%d in the last list", n)
		}
		return r.sessions[n-1].ID, nil
	}

	infos, err := r.manager.Overview(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, info := range infos {
		if info.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(info.ID, arg) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", chat.ErrUnknownSession, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", arg, len(matches))
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	ctx, stop := r.turnContext(ctx)
	defer stop()

	turn, err := r.manager.SubmitTurn(ctx, r.current, text)
	if err != nil {
		return r.turnError(err)
	}
	return r.stream(turn)
}

func (r *repl) resume(ctx context.Context) error {
	ctx, stop := r.turnContext(ctx)
	defer stop()

	turn, err := r.manager.ResumeTurn(ctx, r.current)
	if err != nil {
		return r.turnError(err)
	}
	return r.stream(turn)
}

func (r *repl) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if !r.interruptible {
		return context.WithCancel(ctx)
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

func (r *repl) stream(turn *chat.Turn) error {
	defer turn.Close()

	fmt.Fprint(r.out, roleLabel(session.RoleAssistant)+" ")
	for turn.Next() {
		fmt.Fprint(r.out, turn.Fragment())
	}
	fmt.Fprintln(r.out)

	if err := turn.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(r.out, dimStyle.Render("(interrupted, reply discarded)"))
			return nil
		}
		return r.turnError(err)
	}
	return nil
}

func (r *repl) turnError(err error) error {
	if errors.Is(err, chat.ErrModelUnavailable) || errors.Is(err, chat.ErrModelTimeout) {
		return fmt.Errorf("%w; your message was saved, type /resume to try again", err)
	}
	if errors.Is(err, chat.ErrPendingReply) {
		return fmt.Errorf("%w; type /resume or resend the same message", err)
	}
	return err
}

func (r *repl) printError(err error) {
	fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
