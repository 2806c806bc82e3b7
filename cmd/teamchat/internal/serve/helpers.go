package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/webconsole"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(userID, token, addr string, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.InitLogging(cfg, debug)
	if debug {
		fmt.Println("🔍 Debug mode enabled")
	}
	if addr == "" {
		addr = cfg.ConsoleAddr()
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

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("error connecting: %w", err)
	}

	console := webconsole.New(client.Dispatcher, client.Feed)
	errCh := make(chan error, 1)
	go func() {
		errCh <- console.Listen(addr)
	}()

	fmt.Printf("%s Connected as %s\n", internal.Logo, cred.UserID)
	fmt.Printf("✓ Web console on http://%s (live feed at /ws)\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			logger.ErrorCF("serve", "Web console stopped", map[string]any{"error": err.Error()})
			return fmt.Errorf("web console: %w", err)
		}
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := console.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("serve", "Console shutdown", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Stopped")
	return nil
}
