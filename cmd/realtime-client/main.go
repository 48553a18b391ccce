package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/connection"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/room"
	pkgconfig "github.com/monkeyscloud/monkeyswork-realtime/pkg/config"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

type options struct {
	serverURL    string
	namespace    string
	token        string
	conversation string
	typingTTL    time.Duration
	backoff      connection.Backoff
	logLevel     string
}

func loadOptions(args []string) (options, error) {
	fs := pflag.NewFlagSet("realtime-client", pflag.ContinueOnError)
	fs.String("url", "ws://localhost:8090", "gateway origin (ws:// or wss://)")
	fs.String("namespace", "messages", "realtime namespace")
	fs.String("token", "", "bearer access token")
	fs.String("conversation", "", "conversation to join once connected")
	fs.Duration("typing-ttl", room.DefaultTypingTTL, "typing presence lifetime")
	fs.Duration("retry-initial", time.Second, "first reconnect delay")
	fs.Duration("retry-max", 10*time.Second, "reconnect delay cap")
	fs.Int("max-attempts", 10, "reconnect attempts before giving up")
	fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	v, err := pkgconfig.Load("./config", "realtime-client")
	if err != nil {
		return options{}, err
	}
	err = pkgconfig.BindFlags(v, fs, map[string]string{
		"server.url":                 "url",
		"conn.namespace":             "namespace",
		"auth.token":                 "token",
		"room.conversation":          "conversation",
		"room.typing_ttl":            "typing-ttl",
		"reconnect.initial_interval": "retry-initial",
		"reconnect.max_interval":     "retry-max",
		"reconnect.max_attempts":     "max-attempts",
		"log.level":                  "log-level",
	})
	if err != nil {
		return options{}, err
	}

	bo := connection.DefaultBackoff()
	bo.InitialInterval = pkgconfig.Duration(v, "reconnect.initial_interval", bo.InitialInterval)
	bo.MaxInterval = pkgconfig.Duration(v, "reconnect.max_interval", bo.MaxInterval)
	bo.MaxAttempts = v.GetInt("reconnect.max_attempts")

	return options{
		serverURL:    strings.TrimRight(v.GetString("server.url"), "/"),
		namespace:    v.GetString("conn.namespace"),
		token:        v.GetString("auth.token"),
		conversation: v.GetString("room.conversation"),
		typingTTL:    pkgconfig.Duration(v, "room.typing_ttl", room.DefaultTypingTTL),
		backoff:      bo,
		logLevel:     v.GetString("log.level"),
	}, nil
}

func main() {
	opts, err := loadOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := log.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}, log.Config{
		Level:       opts.logLevel,
		ServiceName: "realtime-client",
	})

	dialer := connection.NewWebSocketDialer(connection.DefaultWebSocketConfig(opts.serverURL))
	mgr := connection.New(dialer, connection.Config{
		Namespace:   opts.namespace,
		Token:       opts.token,
		AutoConnect: true,
		Backoff:     opts.backoff,
	}, connection.WithLogger(logger))

	session := room.NewSession(mgr, room.Config{
		TypingTTL: opts.typingTTL,
		Logger:    &logger,
		OnMessage: func(m domain.Message) {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Content)
		},
		OnTyping: func(conversationID string, typing []room.Presence) {
			printTyping(typing)
		},
		OnReset: func(conversationID string) {
			fmt.Printf("-- left %s\n", conversationID)
		},
	})

	// Membership does not survive a reconnect; rejoin whenever connected.
	var want atomic.Value
	want.Store(opts.conversation)
	offState := mgr.OnStateChange(func(c connection.StateChange) {
		line := fmt.Sprintf("-- %s -> %s", c.From, c.To)
		if c.Reason != connection.ReasonNone {
			line += " (" + string(c.Reason) + ")"
		}
		fmt.Println(line)
		if id := want.Load().(string); c.To == connection.StateConnected && id != "" {
			session.Join(id)
		}
	})
	defer offState()

	if opts.token == "" {
		fmt.Println("-- no token: use /token <jwt>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	prune := time.NewTicker(time.Second)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdown(mgr, session)
			return
		case <-prune.C:
			if session.Prune() > 0 {
				printTyping(session.Typing())
			}
		case line, ok := <-lines:
			if !ok {
				shutdown(mgr, session)
				return
			}
			cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
			switch cmd {
			case "":
			case "/join":
				id := strings.TrimSpace(arg)
				want.Store(id)
				session.Join(id)
			case "/leave":
				session.Leave(session.Room())
				want.Store("")
			case "/typing":
				session.StartTyping()
			case "/stop":
				session.StopTyping()
			case "/token":
				opts.token = strings.TrimSpace(arg)
				mgr.SetToken(opts.token)
				mgr.Connect()
			case "/status":
				st := mgr.Status()
				fmt.Printf("-- %s %s attempts=%d room=%q\n", st.State, st.Reason, st.Attempts, session.Room())
			case "/quit":
				shutdown(mgr, session)
				return
			default:
				if err := postMessage(ctx, opts, want.Load().(string), line); err != nil {
					fmt.Printf("-- send failed: %v\n", err)
				}
			}
		}
	}
}

func shutdown(mgr *connection.Manager, session *room.Session) {
	session.Close()
	mgr.Disconnect()
}

func printTyping(typing []room.Presence) {
	if len(typing) == 0 {
		fmt.Println("-- nobody is typing")
		return
	}
	names := make([]string, 0, len(typing))
	for _, p := range typing {
		name := p.DisplayName
		if name == "" {
			name = p.UserID
		}
		names = append(names, name)
	}
	fmt.Printf("-- typing: %s\n", strings.Join(names, ", "))
}

// postMessage sends content through the gateway API; the message comes
// back over the socket as message:new.
func postMessage(ctx context.Context, opts options, conversationID, content string) error {
	if conversationID == "" {
		return fmt.Errorf("join a conversation first")
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	base := strings.Replace(opts.serverURL, "ws", "http", 1)
	url := base + "/api/v1/conversations/" + conversationID + "/messages"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}
