// Command defcomm-client is an interactive terminal client: it connects to
// the push relay, subscribes the personal inbox plus a conversation topic,
// and sends stdin lines as messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/segmentio/ksuid"

	cidpkg "github.com/SilexsecureTeam/Defcomm-sub000/internal/cid"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/otelutil"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/rest"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/session"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/timeline"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/client"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	var (
		serverURL    = flag.String("server", envDefault("DC_SERVER_URL", "ws://localhost:8080/ws"), "websocket server URL")
		restURL      = flag.String("rest", envDefault("DC_REST_URL", "http://localhost:8080"), "REST base URL")
		userID       = flag.String("user", envDefault("DC_USER_ID", ""), "user id")
		token        = flag.String("token", envDefault("DC_AUTH_TOKEN", ""), "auth token")
		conversation = flag.String("conversation", envDefault("DC_CONVERSATION", "lobby"), "conversation to join")
		channel      = flag.String("walkie", envDefault("DC_WALKIE", ""), "walkie channel to monitor (optional)")
	)
	flag.Parse()

	if *userID == "" {
		*userID = "user-" + ksuid.New().String()[:8]
	}
	if *token == "" {
		*token = *userID
	}

	if err := otelutil.Init(); err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = cidpkg.WithCID(ctx, ksuid.New().String())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	sess := session.New(session.DefaultConfig(), *userID, session.Deps{
		REST: rest.New(*restURL, *token, nil),
	})

	mgr := client.NewManager(client.Config{ServerURL: *serverURL}, sess.Apply, func(s client.Status) {
		log.Printf("transport: %s", s)
	})

	conn, err := mgr.Connect(ctx, *userID, *token)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() { _ = mgr.Disconnect() }()

	topics := []string{
		protocol.ChatTopic(*userID),
		protocol.GroupTopic(*conversation),
	}
	if *channel != "" {
		topics = append(topics, protocol.WalkieTopic(*channel))
	}
	for _, topic := range topics {
		if err := mgr.Subscribe(ctx, topic); err != nil {
			log.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	sess.OpenConversation(*conversation)

	go func() {
		if err := conn.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("listen stopped: %v", err)
		}
		cancel()
	}()

	fmt.Printf("connected as %s; conversation %q; type and press enter to send\n", *userID, *conversation)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sess.LocalInput(*conversation)
			if _, err := sess.SendMessage(ctx, *conversation, line); err != nil {
				log.Printf("send failed: %v", err)
				continue
			}
			printTimeline(sess.Timeline().Snapshot(*conversation))
		}
	}
}

func printTimeline(msgs []timeline.Message) {
	fmt.Printf("--- %d message(s) ---\n", len(msgs))
	for _, m := range msgs {
		state := "ok"
		if m.State == timeline.StatePending {
			state = "pending"
		}
		fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Body, state)
	}
}
