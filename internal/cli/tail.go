package cli

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/rtchat/internal/store"
	"github.com/mbeoliero/rtchat/sdk"
)

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail [conversation-id...]",
		Short: "Follow conversations as they change",
		Long: `Connect, sync and print every message as it arrives or changes.

With no arguments every accepted conversation is followed. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runTail(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, stop, err := startSession(ctx, opts)
	if err != nil {
		return err
	}
	defer stop()

	var (
		mu      sync.Mutex
		exitErr error
	)
	exit := func(err error) {
		mu.Lock()
		if exitErr == nil {
			exitErr = err
		}
		mu.Unlock()
		cancel()
	}
	s.OnLogout(exit)
	s.OnOffline(exit)

	st := s.Store()
	p := newPrinter(cmd.OutOrStdout(), ids)
	unsubscribe := st.Subscribe(func(ev store.Event) {
		switch ev.Kind {
		case store.EventMessagesChanged:
			if p.follows(ev.ConversationID) {
				p.messages(st.Messages(ev.ConversationID))
			}
		case store.EventTypingChanged:
			if p.follows(ev.ConversationID) {
				p.typing(ev.ConversationID, st.TypingUsers(ev.ConversationID))
			}
		case store.EventError:
			fmt.Fprintf(cmd.ErrOrStderr(), "server error: %v\n", ev.Err)
		}
	})
	defer unsubscribe()

	for _, c := range st.Conversations() {
		if p.follows(c.ID) {
			p.messages(st.Messages(c.ID))
		}
	}

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return exitErr
}

// printer writes each message once per distinct rendering
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	filter map[string]bool
	seen   map[string]string
}

func newPrinter(w io.Writer, ids []string) *printer {
	p := &printer{w: w, seen: make(map[string]string)}
	if len(ids) > 0 {
		p.filter = make(map[string]bool, len(ids))
		for _, id := range ids {
			p.filter[id] = true
		}
	}
	return p
}

func (p *printer) follows(conversationId string) bool {
	return p.filter == nil || p.filter[conversationId]
}

func (p *printer) messages(msgs []*sdk.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		line := formatMessage(m)
		key := m.ClientMessageID
		if key == "" {
			key = m.ID
		}
		if p.seen[key] == line {
			continue
		}
		p.seen[key] = line
		fmt.Fprintln(p.w, line)
	}
}

func (p *printer) typing(conversationId string, users []string) {
	if len(users) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s typing...\n", conversationId, strings.Join(users, ", "))
}

func formatMessage(m *sdk.Message) string {
	sender := m.SenderDisplayName
	if sender == "" {
		sender = m.SenderID
	}
	line := fmt.Sprintf("[%s] %s %s: %s (%s)",
		m.ConversationID, m.CreatedAt.Local().Format("15:04:05"), sender, m.Content, m.Status)
	if m.EditedAt != nil && !m.IsTombstone() {
		line += " (edited)"
	}
	for _, a := range m.Attachments {
		line += fmt.Sprintf("\n    attachment: %s %s", a.Name, a.URL)
	}
	return line
}
