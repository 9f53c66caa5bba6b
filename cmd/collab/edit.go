package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"collabsync/internal/channel"
	"collabsync/internal/collab"
	"collabsync/internal/drafts"
	"collabsync/internal/presence"
	"collabsync/internal/protocol"
)

const editHelp = `plain lines append to the document
:set <text>   replace the whole document
:cursor N     move the caret to rune offset N
:save         save now
:reload       replace the buffer with the saved content
:reconnect    reopen the channel after it gave up
:show         print the buffer
:who          list editors in the document
:quit         save pending edits and leave`

// editorSession is the part of a collab.Session the line editor drives.
type editorSession interface {
	Buffer() string
	Edit(content string)
	Select(position, length int) bool
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	Reopen(ctx context.Context) error
	Presence() []presence.Entry
}

func newEditCmd(profilePath *string) *cobra.Command {
	var restoreDraft bool
	cmd := &cobra.Command{
		Use:   "edit <document-id>",
		Short: "Edit a document live from stdin",
		Long:  "Open a live editing session. Lines read from stdin edit the document:\n\n" + editHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, profile, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			documentID := args[0]
			out := cmd.OutOrStdout()

			draftStore, err := drafts.Open(profile.DraftsPath)
			if err != nil {
				return err
			}
			defer draftStore.Close()

			var printMu sync.Mutex
			printf := func(format string, a ...any) {
				printMu.Lock()
				defer printMu.Unlock()
				_, _ = fmt.Fprintf(out, format, a...)
			}

			sess, err := collab.New(collab.Config{
				DocumentID: documentID,
				Editor:     protocol.Editor{EditorID: profile.EditorID, DisplayName: profile.DisplayName},
				Store:      client,
				Drafts:     draftStore,
				Dial: collab.ChannelDialer(channel.Config{
					ServiceURL:    profile.ServiceURL,
					DocumentID:    documentID,
					Token:         profile.Token,
					Editor:        protocol.Editor{EditorID: profile.EditorID, DisplayName: profile.DisplayName},
					ReconnectBase: profile.ReconnectBase,
					MaxAttempts:   profile.MaxAttempts,
				}),
				SaveDebounce: profile.SaveDebounce,
				Hooks: collab.Hooks{
					OnPresence: func(entries []presence.Entry) {
						printf("* online: %s\n", presenceNames(entries))
					},
					OnState: func(state channel.State, err error) {
						if err != nil {
							printf("* %s: %v\n", state, err)
							return
						}
						printf("* %s\n", state)
					},
					OnSaveError: func(err error) {
						printf("* save failed, kept as draft: %v\n", err)
					},
				},
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			openCtx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
			err = sess.Open(openCtx)
			cancel()
			if err != nil {
				_ = sess.Close(context.Background())
				return err
			}

			draft, err := draftStore.Get(documentID)
			switch {
			case errors.Is(err, drafts.ErrNotFound):
			case err != nil:
				printf("* could not read draft: %v\n", err)
			case draft.Content == sess.Buffer():
				_ = draftStore.Delete(documentID)
			case restoreDraft:
				sess.Edit(draft.Content)
				printf("* restored unsaved draft from %s\n", draft.SavedAt.Local().Format("2006-01-02 15:04"))
			default:
				printf("* an unsaved draft from %s exists; reopen with --restore-draft to apply it\n", draft.SavedAt.Local().Format("2006-01-02 15:04"))
			}

			runErr := runEditor(ctx, sess, cmd.InOrStdin(), &lockedWriter{mu: &printMu, w: out})

			closeCtx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
			defer cancel()
			if err := sess.Close(closeCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&restoreDraft, "restore-draft", false, "apply a locally kept draft on open")
	return cmd
}

// runEditor reads commands until :quit or end of input.
func runEditor(ctx context.Context, sess editorSession, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, ":") {
			buffer := sess.Buffer()
			if buffer == "" {
				sess.Edit(line)
			} else {
				sess.Edit(buffer + "\n" + line)
			}
			continue
		}

		command, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
		switch command {
		case "quit", "q":
			return nil
		case "set":
			sess.Edit(arg)
		case "save", "w":
			if err := sess.Save(ctx); err != nil {
				_, _ = fmt.Fprintf(out, "! save: %v\n", err)
				continue
			}
			_, _ = fmt.Fprintln(out, "saved")
		case "reload":
			if err := sess.Reload(ctx); err != nil {
				_, _ = fmt.Fprintf(out, "! reload: %v\n", err)
			}
		case "reconnect":
			if err := sess.Reopen(ctx); err != nil {
				_, _ = fmt.Fprintf(out, "! reconnect: %v\n", err)
			}
		case "cursor":
			position, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil || position < 0 {
				_, _ = fmt.Fprintf(out, "! cursor needs a non-negative offset\n")
				continue
			}
			if !sess.Select(position, 0) {
				_, _ = fmt.Fprintln(out, "! cursor kept locally; channel is not open")
			}
		case "show":
			_, _ = fmt.Fprintln(out, sess.Buffer())
		case "who":
			_, _ = fmt.Fprintf(out, "online: %s\n", presenceNames(sess.Presence()))
		case "help":
			_, _ = fmt.Fprintln(out, editHelp)
		default:
			_, _ = fmt.Fprintf(out, "! unknown command :%s (try :help)\n", command)
		}
	}
	return scanner.Err()
}

func presenceNames(entries []presence.Entry) string {
	if len(entries) == 0 {
		return "nobody"
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.DisplayName)
	}
	return strings.Join(names, ", ")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
