package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal"
	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/dispatcher"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/presence"
	"github.com/tinyland-inc/teamchat/pkg/utils"
)

// Backend is what the console drives; the dispatcher implements it.
type Backend interface {
	Self() string
	Status() dispatcher.Status
	Sessions() []chat.Session
	Session(id string) (chat.Session, bool)
	Messages(sessionID string) []chat.Message
	ActiveSession() string
	SwitchActive(ctx context.Context, id string) bool
	ResolvePrivateSession(ctx context.Context, other string) string
	Send(ctx context.Context, draft dispatcher.Draft) (chat.Message, bool)
	SetStatus(online bool) bool
	PresenceRecords() []presence.Record
}

const defaultHistory = 20

var (
	nameColor   = color.New(color.FgCyan, color.Bold).SprintFunc()
	selfColor   = color.New(color.FgGreen).SprintFunc()
	noticeColor = color.New(color.FgYellow).SprintFunc()
	errColor    = color.New(color.FgRed).SprintFunc()
	faint       = color.New(color.Faint).SprintFunc()
)

func consoleCmd(userID, token, session string, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.InitLogging(cfg, debug)
	if debug {
		fmt.Println("🔍 Debug mode enabled")
	}

	cred, err := internal.ResolveCredential(cfg, userID, token, os.Stdin, os.Stdout)
	if err != nil {
		return fmt.Errorf("error resolving credential: %w", err)
	}

	client, err := internal.NewClient(cfg, cred)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := client.Feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("error subscribing to events: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("error connecting: %w", err)
	}
	logger.InfoCF("console", "Console started", map[string]any{"identity": cred.UserID})

	sh := &shell{b: client.Dispatcher, out: os.Stdout}
	if session != "" {
		client.Dispatcher.SwitchActive(ctx, session)
	}

	fmt.Printf("%s Connected as %s (/help for commands, Ctrl+C to exit)\n\n", internal.Logo, cred.UserID)
	interactiveMode(ctx, sh, feed)
	return nil
}

func interactiveMode(ctx context.Context, sh *shell, feed <-chan events.Event) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s > ", internal.Logo),
		HistoryFile:     filepath.Join(os.TempDir(), ".teamchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		go sh.follow(ctx, feed)
		simpleInteractiveMode(ctx, sh)
		return
	}
	defer rl.Close()

	sh.out = rl.Stdout()
	go sh.follow(ctx, feed)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !sh.exec(ctx, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, sh *shell) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s > ", internal.Logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !sh.exec(ctx, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// shell interprets console input against a Backend.
type shell struct {
	b   Backend
	out io.Writer
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// exec runs one input line and reports whether the console should keep going.
func (s *shell) exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if !strings.HasPrefix(input, "/") {
		s.send(ctx, input)
		return true
	}

	fields := strings.Fields(input)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	if arg != "" && (fields[0] == "/open" || fields[0] == "/dm") {
		if err := utils.ValidateIdentifier(arg); err != nil {
			s.printf("%s\n", errColor(err.Error()))
			return true
		}
	}
	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/help":
		s.help()
	case "/sessions":
		s.listSessions()
	case "/open":
		if arg == "" {
			s.printf("%s\n", errColor("usage: /open <session>"))
			return true
		}
		s.open(ctx, arg)
	case "/dm":
		if arg == "" {
			s.printf("%s\n", errColor("usage: /dm <participant>"))
			return true
		}
		s.open(ctx, s.b.ResolvePrivateSession(ctx, arg))
	case "/history":
		n := defaultHistory
		if arg != "" {
			if v, err := strconv.Atoi(arg); err == nil && v > 0 {
				n = v
			}
		}
		s.history(n)
	case "/who":
		s.who()
	case "/status":
		s.setStatus(arg)
	case "/state":
		st := s.b.Status()
		s.printf("%s %s  active=%s  unread=%d  sessions=%d\n",
			st.Identity, st.Connection, st.ActiveSession, st.TotalUnread, st.Sessions)
	default:
		s.printf("%s\n", errColor("unknown command "+fields[0]+", try /help"))
	}
	return true
}

func (s *shell) help() {
	s.printf(`Commands:
  /sessions           list sessions, most recent first
  /open <session>     make a session active
  /dm <participant>   open the private session with a participant
  /history [n]        show the last n messages of the active session
  /who                list online participants
  /status on|off      set your own status
  /state              connection summary
  /quit               leave
Anything else is sent to the active session; @id mentions a participant.
`)
}

func (s *shell) listSessions() {
	active := s.b.ActiveSession()
	sessions := s.b.Sessions()
	if len(sessions) == 0 {
		s.printf("%s\n", faint("no sessions"))
		return
	}
	for _, sess := range sessions {
		marker := " "
		if sess.ID == active {
			marker = "*"
		}
		unread := ""
		if sess.UnreadCount > 0 {
			unread = noticeColor(fmt.Sprintf(" (%d)", sess.UnreadCount))
		}
		s.printf("%s %-20s %-8s %s%s  %s\n", marker, sess.ID, sess.Kind, nameColor(sess.DisplayName), unread, faint(sess.LastMessagePreview))
	}
}

func (s *shell) open(ctx context.Context, id string) {
	s.b.SwitchActive(ctx, id)
	name := id
	if sess, ok := s.b.Session(id); ok && sess.DisplayName != "" {
		name = sess.DisplayName
	}
	s.printf("%s %s\n", faint("now in"), nameColor(name))
	s.history(defaultHistory)
}

func (s *shell) history(n int) {
	active := s.b.ActiveSession()
	if active == "" {
		s.printf("%s\n", errColor("no active session, use /open"))
		return
	}
	msgs := s.b.Messages(active)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		s.printMessage(m)
	}
}

func (s *shell) who() {
	self := s.b.Self()
	found := false
	for _, r := range s.b.PresenceRecords() {
		if !r.Online {
			continue
		}
		found = true
		if r.ParticipantID == self {
			s.printf("  %s %s\n", selfColor(r.ParticipantID), faint("(you)"))
			continue
		}
		s.printf("  %s\n", nameColor(r.ParticipantID))
	}
	if !found {
		s.printf("%s\n", faint("nobody online"))
	}
}

func (s *shell) setStatus(arg string) {
	var online bool
	switch strings.ToLower(arg) {
	case "on", "online":
		online = true
	case "off", "offline":
	default:
		s.printf("%s\n", errColor("usage: /status on|off"))
		return
	}
	if !s.b.SetStatus(online) {
		s.printf("%s\n", errColor("status saved locally, not sent: connection not open"))
	}
}

func (s *shell) send(ctx context.Context, text string) {
	active := s.b.ActiveSession()
	if active == "" {
		s.printf("%s\n", errColor("no active session, use /open or /dm"))
		return
	}
	draft := dispatcher.Draft{SessionID: active, Content: text}
	for _, w := range strings.Fields(text) {
		if strings.HasPrefix(w, "@") && len(w) > 1 {
			draft.Mentions = append(draft.Mentions, strings.TrimRight(w[1:], ",.:;!?"))
		}
	}
	if _, ok := s.b.Send(ctx, draft); !ok {
		s.printf("%s\n", errColor("not delivered"))
	}
}

func (s *shell) printMessage(m chat.Message) {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	ts := m.Timestamp.Local().Format("15:04")
	if m.SenderID == s.b.Self() {
		s.printf("%s %s: %s\n", faint(ts), selfColor("you"), m.Preview())
		return
	}
	s.printf("%s %s: %s\n", faint(ts), nameColor(who), m.Preview())
}

// follow renders feed events until ctx is done or the feed closes.
func (s *shell) follow(ctx context.Context, feed <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			s.render(ev)
		}
	}
}

func (s *shell) render(ev events.Event) {
	switch ev.Kind {
	case events.KindMessageAdded:
		var m chat.Message
		if ev.Decode(&m) != nil || m.SenderID == s.b.Self() {
			return
		}
		if m.SessionID == s.b.ActiveSession() {
			s.printMessage(m)
			return
		}
		name := m.SessionID
		if sess, ok := s.b.Session(m.SessionID); ok && sess.DisplayName != "" {
			name = sess.DisplayName
		}
		s.printf("%s %s\n", noticeColor("new message in"), nameColor(name))
	case events.KindNotDelivered:
		var nd dispatcher.NotDelivered
		if ev.Decode(&nd) == nil {
			s.printf("%s %s\n", errColor("not delivered:"), nd.Reason)
		}
	case events.KindConnectionLost:
		s.printf("%s\n", errColor("connection lost, giving up on reconnecting"))
	case events.KindPresenceBanner:
		var pc dispatcher.PresenceChange
		if ev.Decode(&pc) == nil {
			s.printf("%s %s\n", nameColor(pc.ParticipantID), selfColor("is online"))
		}
	case events.KindStateChanged:
		var sc dispatcher.StateChange
		if ev.Decode(&sc) == nil {
			s.printf("%s\n", faint("connection "+string(sc.State)))
		}
	}
}
