package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/harun/convo/pkg/chat"
	"github.com/harun/convo/pkg/session"
	"github.com/spf13/cobra"
)

var (
	searchQuery string
	exportPath  string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as a plain-text transcript",
	Long: `Export a session as a plain-text transcript.
The transcript is written to chat_<session-id>.txt unless -o is given;
use -o - to print it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsExport,
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session-id>",
	Short: "Rewrite a damaged session file without its unreadable lines",
	Long: `Rewrite a damaged session file without its unreadable lines.
Only the jsonl backend keeps sessions in files that can be repaired.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsRepair,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsListCmd.Flags().StringVar(&searchQuery, "search", "", "only show sessions whose summary contains this text")
	sessionsExportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "output file (default chat_<session-id>.txt)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsExportCmd, sessionsRepairCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	a.storageBanner(out)

	infos, err := a.manager.Overview(cmd.Context())
	if err != nil {
		return err
	}
	infos = chat.FilterBySummary(infos, searchQuery)
	if len(infos) == 0 {
		fmt.Fprintln(out, dimStyle.Render("No sessions found."))
		return nil
	}

	fmt.Fprintln(out, renderSessionTable(infos, time.Now()))
	return nil
}

func renderSessionTable(infos []chat.SessionInfo, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "MESSAGES", "LAST ACTIVE", "SUMMARY")
	for _, info := range infos {
		active := "-"
		if !info.UpdatedAt.IsZero() {
			active = formatDuration(now.Sub(info.UpdatedAt)) + " ago"
		}
		t.Row(info.ID, fmt.Sprint(info.MessageCount), active, info.Summary)
	}
	return t.Render()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.manager.GetHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(h.Summary))
	printHistory(out, h)
	if _, pending := chat.PendingUserMessage(h.Messages); pending {
		fmt.Fprintln(out, dimStyle.Render("The last message has no reply yet. Use /resume in convo chat to answer it."))
	}
	return nil
}

func printHistory(w io.Writer, h chat.History) {
	if len(h.Messages) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(no messages yet)"))
		return
	}
	for _, msg := range h.Messages {
		fmt.Fprintf(w, "%s %s %s\n",
			dimStyle.Render(msg.Timestamp.Local().Format(chat.TranscriptTimeLayout)),
			roleLabel(msg.Role),
			msg.Content,
		)
	}
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.manager.GetHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return exportTranscript(cmd.OutOrStdout(), h, exportPath)
}

// exportTranscript writes the transcript to path, the default file name
// when path is empty, or w when path is "-".
func exportTranscript(w io.Writer, h chat.History, path string) error {
	transcript := chat.Transcript(h)
	if path == "-" {
		_, err := io.WriteString(w, transcript)
		return err
	}
	if path == "" {
		path = chat.TranscriptFileName(h.SessionID)
	}
	if err := os.WriteFile(path, []byte(transcript), 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	fmt.Fprintf(w, "Transcript written to %s (%d messages)\n", path, len(h.Messages))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}

func runSessionsRepair(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{console: logLevel != ""})
	if err != nil {
		return err
	}
	defer a.Close()

	repairer, ok := a.store.(session.Repairer)
	if !ok {
		return fmt.Errorf("storage backend %q has no files to repair; set storage.backend to %q", a.backend(), session.BackendJSONL)
	}

	kept, err := repairer.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Repaired session %s: kept %d messages\n", args[0], kept)
	return nil
}
