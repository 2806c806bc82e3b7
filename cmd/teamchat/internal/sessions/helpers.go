package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"

	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal"
	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/logger"
)

var errNoAPI = errors.New("server.api_base_url is not configured")

func sessionsCmd(w io.Writer, userID, token, sessionID string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.InitLogging(cfg, false)

	cred, err := internal.ResolveCredential(cfg, userID, token, os.Stdin, w)
	if err != nil {
		return fmt.Errorf("error resolving credential: %w", err)
	}
	client, err := internal.NewAPIClient(cfg, cred.AccessToken)
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}
	if client == nil {
		return errNoAPI
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.HTTPTimeout())
	defer cancel()

	if sessionID != "" {
		msgs, err := client.ListMessages(ctx, sessionID)
		if err != nil {
			return err
		}
		printMessages(w, msgs)
		return nil
	}

	records, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}
	unread, err := client.Unread(ctx)
	if err != nil {
		logger.WarnCF("sessions", "Unread counts unavailable", map[string]any{"error": err.Error()})
		unread = nil
	}
	printSessions(w, records, unread)
	return nil
}

func printSessions(w io.Writer, records []api.SessionRecord, unread *api.Unread) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastActive.After(records[j].LastActive)
	})

	bold := color.New(color.Bold).SprintFunc()
	for _, r := range records {
		s := r.Session()
		n := s.UnreadCount
		if unread != nil {
			if v, ok := unread.Sessions[s.ID]; ok {
				n = v
			}
		}
		count := ""
		if n > 0 {
			count = color.YellowString(" (%d unread)", n)
		}
		fmt.Fprintf(w, "%-20s %-8s %s%s\n", s.ID, s.Kind, bold(s.DisplayName), count)
		if s.LastMessagePreview != "" {
			fmt.Fprintf(w, "    %s\n", s.LastMessagePreview)
		}
	}
	if unread != nil {
		fmt.Fprintf(w, "\nTotal unread: %d\n", unread.Total)
	}
}

func printMessages(w io.Writer, msgs []chat.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		fmt.Fprintf(w, "%s %s: %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), color.CyanString(who), m.Preview())
	}
}
