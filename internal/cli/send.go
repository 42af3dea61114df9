package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/rtchat/internal/store"
	"github.com/mbeoliero/rtchat/pkg/constant"
	"github.com/mbeoliero/rtchat/sdk"
)

type sendOptions struct {
	replyTo string
	file    string
	wait    time.Duration
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send a message and wait for the server to acknowledge it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(rootOpts, opts, args[0], strings.Join(args[1:], " "), cmd)
		},
	}
	cmd.Flags().StringVar(&opts.replyTo, "reply-to", "", "message id to reply to")
	cmd.Flags().StringVar(&opts.file, "file", "", "upload and attach a file")
	cmd.Flags().DurationVar(&opts.wait, "wait", 10*time.Second, "how long to wait for the ack")
	return cmd
}

func runSend(rootOpts *RootOptions, opts *sendOptions, conversationId, text string, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.wait)
	defer cancel()

	s, stop, err := startSession(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer stop()
	st := s.Store()

	contentType := constant.ContentTypeText
	var attachments []sdk.Attachment
	if opts.file != "" {
		a, err := upload(ctx, st, opts.file)
		if err != nil {
			return err
		}
		attachments = append(attachments, *a)
		contentType = constant.ContentTypeFile
		if strings.HasPrefix(a.MimeType, "image/") {
			contentType = constant.ContentTypeImage
		}
	}

	acked := make(chan struct{}, 1)
	var (
		mu       sync.Mutex
		clientId string
	)
	check := func() {
		mu.Lock()
		id := clientId
		mu.Unlock()
		if id == "" {
			return
		}
		if m, ok := st.Message(conversationId, id); ok && m.Status >= sdk.MessageStatusSent {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	}
	unsubscribe := st.Subscribe(func(ev store.Event) {
		if ev.Kind == store.EventMessagesChanged && ev.ConversationID == conversationId {
			check()
		}
	})
	defer unsubscribe()

	msg, err := st.SendMessage(conversationId, text, contentType, attachments, opts.replyTo)
	if err != nil {
		return err
	}
	mu.Lock()
	clientId = msg.ClientMessageID
	mu.Unlock()
	check()

	select {
	case <-acked:
	case <-ctx.Done():
		return fmt.Errorf("no ack for %s: %w", clientId, ctx.Err())
	}
	m, _ := st.Message(conversationId, clientId)
	fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
	return nil
}

func upload(ctx context.Context, st *store.Store, path string) (*sdk.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return st.UploadFile(ctx, filepath.Base(path), f)
}
