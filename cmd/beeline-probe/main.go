// beeline-probe is a manual smoke client for a running server: it
// authenticates, optionally sends one message, and prints everything the
// server pushes until the timeout elapses.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beeline-chat/beeline/pkg/wire"
)

type probeConfig struct {
	serverURL string
	username  string
	password  string
	role      string
	target    string
	text      string
	timeout   time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("probe failed: %v", err)
	}
	log.Printf("probe role %s completed as %s", cfg.role, cfg.username)
}

func parseConfig() probeConfig {
	var cfg probeConfig
	flag.StringVar(&cfg.serverURL, "server", "ws://127.0.0.1:8080/ws", "Websocket URL of the server")
	flag.StringVar(&cfg.username, "user", "probe", "Identity to authenticate as")
	flag.StringVar(&cfg.password, "password", "probe", "Credential for the identity")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this probe (sender|receiver)")
	flag.StringVar(&cfg.target, "to", "", "Recipient identity when sending")
	flag.StringVar(&cfg.text, "text", "probe message", "Message text when sending")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "How long to listen for pushed events")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.role == "sender" && cfg.target == "" {
		log.Fatal("-to is required for the sender role")
	}
	return cfg
}

func run(cfg probeConfig) error {
	conn, _, err := websocket.DefaultDialer.Dial(cfg.serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.Event{
		Type:     wire.EventAuth,
		Username: cfg.username,
		Password: cfg.password,
	}); err != nil {
		return err
	}

	if cfg.role == "sender" {
		if err := conn.WriteJSON(wire.Event{Type: wire.EventSend, To: cfg.target, Text: cfg.text}); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(cfg.timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var ev wire.Event
		if err := conn.ReadJSON(&ev); err != nil {
			// Deadline expiry is the normal way out for a listener.
			return nil
		}
		logEvent(ev)

		// A receiver acknowledges reads so senders see their receipts.
		if cfg.role == "receiver" && ev.Type == wire.EventMessage && ev.Message != nil {
			if err := conn.WriteJSON(wire.Event{Type: wire.EventRead, Peer: ev.Message.Sender}); err != nil {
				return err
			}
		}
	}
	return nil
}

func logEvent(ev wire.Event) {
	switch ev.Type {
	case wire.EventPresence:
		log.Printf("presence: %d identities", len(ev.Users))
	case wire.EventMessage:
		log.Printf("message from %s: %s", ev.Message.Sender, ev.Message.Text)
	case wire.EventReadReceipt:
		log.Printf("read receipt by %s", ev.By)
	case wire.EventError:
		log.Printf("error %s: %s", ev.Code, ev.Error)
	default:
		log.Printf("event %s", ev.Type)
	}
}
