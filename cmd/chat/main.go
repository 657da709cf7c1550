// Command chat is a terminal front end: it signs in against the relay,
// keeps local state in sync, and exchanges messages over the relay or
// direct peer channels depending on the configured transport mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tetatet/internal/backend"
	"tetatet/internal/config"
	"tetatet/internal/localstore"
	"tetatet/internal/models"
	"tetatet/internal/peer"
	"tetatet/internal/presence"
	"tetatet/internal/store"
)

func run(ctx context.Context) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}

	// Keep the prompt readable: only errors reach the terminal.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	local, err := localstore.Open(cfg.CacheFile)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	in := bufio.NewScanner(os.Stdin)
	authAPI := backend.NewAuthAPI(cfg.RelayURL)

	user, token, ok, err := local.LoadSession()
	if err != nil {
		logger.Error("failed to load session", "error", err)
	}
	if !ok {
		user, token, err = signIn(ctx, authAPI, in)
		if err != nil {
			return err
		}
	}
	fmt.Printf("Signed in as %s <%s>\n", user.Name, user.Email)

	client := backend.NewClient(backend.Config{URL: cfg.RelayURL, Token: token, Logger: logger})
	tracker := presence.New(client, presence.Config{IdleTimeout: cfg.IdleTimeout, Logger: logger})

	var st *store.Store
	peers, err := peer.NewManager(peer.Config{
		SelfID:     user.ID,
		Signaler:   client,
		ICEServers: cfg.ICEServers,
		OnMessage:  func(msg models.Message) { st.HandlePeerMessage(msg) },
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer peers.Close()

	st, err = store.New(store.Config{
		Mode:     cfg.TransportMode,
		Backend:  client,
		Peers:    peers,
		Presence: tracker,
		Local:    local,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	client.OnMessages(st.ApplyMessagesSnapshot)
	client.OnUsers(st.ApplyUsersSnapshot)
	client.OnSignal(peers.HandleSignal)
	client.OnReconnect(tracker.Rearm)

	if err := st.Start(ctx); err != nil {
		return err
	}
	defer st.Stop()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("cannot reach relay at %s: %w", cfg.RelayURL, err)
	}
	defer func() { _ = client.Close() }()

	tracker.Start(ctx)
	defer tracker.Stop()

	st.SetCurrentUser(user, token, localstore.DefaultSessionTTL)

	ui := &terminal{st: st}
	st.OnChange(ui.render)

	if selected := st.SelectedUser(); selected != "" {
		if partner, ok := st.User(selected); ok {
			fmt.Printf("Resuming conversation with %s\n", partner.Name)
		}
		ui.render()
	}

	return ui.loop(ctx, in, tracker, authAPI, token)
}

func signIn(ctx context.Context, authAPI *backend.AuthAPI, in *bufio.Scanner) (models.User, string, error) {
	for {
		action := prompt(in, "login or register? ")
		name := ""
		if action == "register" {
			name = prompt(in, "display name: ")
		}
		email := prompt(in, "email: ")
		password := prompt(in, "password: ")

		var (
			user  models.User
			token string
			err   error
		)
		switch action {
		case "register":
			user, token, err = authAPI.Register(ctx, name, email, password)
		default:
			user, token, err = authAPI.Login(ctx, email, password)
		}
		if err == nil {
			return user, token, nil
		}
		if errors.Is(err, models.ErrBackendUnavailable) || ctx.Err() != nil {
			return models.User{}, "", err
		}
		fmt.Println(backend.UserMessage(err))
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}

type terminal struct {
	st      *store.Store
	printed int
}

// render prints messages of the open conversation that have not been shown
// yet. Snapshots can rewrite history, so a shrinking log resets the view.
func (t *terminal) render() {
	msgs := t.st.Messages()
	if len(msgs) < t.printed {
		t.printed = 0
	}
	me, _ := t.st.CurrentUser()
	for _, m := range msgs[t.printed:] {
		name := m.SenderID
		if m.SenderID == me.ID {
			name = "you"
		} else if u, ok := t.st.User(m.SenderID); ok {
			name = u.Name
		}
		suffix := ""
		if m.Delivery == models.DeliveryFailed {
			suffix = " [failed]"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04"), name, m.Content, suffix)
	}
	t.printed = len(msgs)
}

func (t *terminal) loop(ctx context.Context, in *bufio.Scanner, tracker *presence.Tracker, authAPI *backend.AuthAPI, token string) error {
	fmt.Println("Commands: /users, /open <name>, /close, /logout, /quit")
	for {
		fmt.Print("> ")
		if !in.Scan() || ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(in.Text())
		tracker.Signal()

		switch {
		case line == "":
			continue
		case line == "/quit":
			if me, ok := t.st.CurrentUser(); ok {
				tracker.MarkOffline(me)
			}
			return nil
		case line == "/logout":
			if me, ok := t.st.CurrentUser(); ok {
				tracker.MarkOffline(me)
			}
			if err := authAPI.Logoff(ctx, token); err != nil {
				fmt.Println(backend.UserMessage(err))
			}
			t.st.SignOut()
			return nil
		case line == "/users":
			for _, c := range t.st.Conversations() {
				state := "offline"
				if c.Partner.IsOnline {
					state = "online"
				}
				unread := ""
				if c.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
				}
				fmt.Printf("  %s [%s]%s\n", c.Partner.Name, state, unread)
			}
		case strings.HasPrefix(line, "/open "):
			t.open(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		case line == "/close":
			t.st.SetSelectedUser("")
			t.printed = 0
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command")
		default:
			if t.st.SelectedUser() == "" {
				fmt.Println("open a conversation first: /open <name>")
				continue
			}
			if _, err := t.st.Send(line); err != nil {
				switch {
				case errors.Is(err, models.ErrEmptyContent):
					// Nothing to send.
				case errors.Is(err, models.ErrChannelNotReady):
					fmt.Println("peer channel not ready yet, try again shortly")
				default:
					fmt.Printf("send failed: %v\n", err)
				}
			}
		}
	}
}

func (t *terminal) open(name string) {
	me, _ := t.st.CurrentUser()
	for _, c := range t.st.Conversations() {
		if c.Partner.ID == me.ID {
			continue
		}
		if strings.EqualFold(c.Partner.Name, name) || c.Partner.ID == name {
			t.printed = 0
			t.st.SetSelectedUser(c.Partner.ID)
			t.render()
			return
		}
	}
	fmt.Printf("no user named %q\n", name)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
