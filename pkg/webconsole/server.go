// Package webconsole is the local HTTP and websocket surface over the chat
// client views. It reads through the dispatcher and streams the event feed;
// it keeps no state of its own.
package webconsole

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/dispatcher"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/presence"
	"github.com/tinyland-inc/teamchat/pkg/utils"
)

// Backend is the part of the dispatcher the console needs.
type Backend interface {
	Status() dispatcher.Status
	Sessions() []chat.Session
	Session(id string) (chat.Session, bool)
	Messages(sessionID string) []chat.Message
	SwitchActive(ctx context.Context, id string) bool
	ResolvePrivateSession(ctx context.Context, other string) string
	Send(ctx context.Context, draft dispatcher.Draft) (chat.Message, bool)
	Presence(id string) (presence.Record, bool)
	Banners() []presence.Banner
}

// Subscriber streams feed events.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan events.Event, error)
}

const (
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
)

type Server struct {
	app     *fiber.App
	backend Backend
	feed    Subscriber
}

func New(backend Backend, feed Subscriber) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "teamchat console",
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
		ErrorHandler:          errorHandler,
	})
	s := &Server{app: app, backend: backend, feed: feed}
	s.registerRoutes()
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	logger.InfoCF("webconsole", "Console listening", map[string]any{"addr": addr})
	return s.app.Listen(addr)
}

// Serve runs the console on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	logger.InfoCF("webconsole", "Console listening", map[string]any{"addr": ln.Addr().String()})
	return s.app.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	api := s.app.Group("/api")
	api.Get("/state", s.getState)
	api.Get("/sessions", s.listSessions)
	api.Get("/sessions/:id/messages", s.listMessages)
	api.Post("/sessions/:id/activate", s.activate)
	api.Post("/private/:peer", s.resolvePrivate)
	api.Post("/messages", s.sendMessage)
	api.Get("/presence/:id", s.getPresence)
	api.Get("/banners", s.listBanners)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.stream))
}

func (s *Server) getState(c *fiber.Ctx) error {
	return c.JSON(s.backend.Status())
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sessions": s.backend.Sessions()})
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.backend.Session(id); !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	return c.JSON(fiber.Map{"sessionId": id, "messages": s.backend.Messages(id)})
}

func (s *Server) activate(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	id := c.Params("id")
	if err := utils.ValidateIdentifier(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	changed := s.backend.SwitchActive(ctx, id)
	sess, _ := s.backend.Session(id)
	return c.JSON(fiber.Map{"changed": changed, "session": sess})
}

func (s *Server) resolvePrivate(c *fiber.Ctx) error {
	peer := strings.TrimSpace(c.Params("peer"))
	if err := utils.ValidateIdentifier(peer); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	id := s.backend.ResolvePrivateSession(ctx, peer)
	sess, _ := s.backend.Session(id)
	return c.JSON(fiber.Map{"sessionId": id, "session": sess})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var draft dispatcher.Draft
	if err := c.BodyParser(&draft); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	msg, ok := s.backend.Send(c.UserContext(), draft)
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     "not delivered",
			"messageId": msg.ID,
			"sessionId": msg.SessionID,
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": msg})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	rec, ok := s.backend.Presence(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown participant")
	}
	return c.JSON(rec)
}

func (s *Server) listBanners(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"banners": s.backend.Banners()})
}

// stream forwards feed events to one websocket client until either side
// goes away. ?topics=a,b narrows the subscription.
func (s *Server) stream(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var topics []string
	if q := conn.Query("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	ch, err := s.feed.Subscribe(ctx, topics...)
	if err != nil {
		logger.WarnCF("webconsole", "Feed subscribe failed", map[string]any{"error": err})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"))
		return
	}

	// the client only ever closes; reads detect that
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.DebugCF("webconsole", "Stream client attached", map[string]any{"topics": topics})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.DebugCF("webconsole", "Stream client gone", map[string]any{"error": err})
				return
			}
		}
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		logger.ErrorCF("webconsole", "Request failed", map[string]any{
			"path":  c.Path(),
			"error": err.Error(),
		})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
