// Command lantern-client runs the Lantern client daemon: it owns the local
// profile and message store, maintains the Relay connection, and exposes
// the command surface of §4.6 and the events of §4.9. The desktop UI is an
// external collaborator (not part of this build) that would drive this
// daemon over those same commands/events; in its absence this binary reads
// a small set of line commands from stdin so the daemon is exercisable on
// its own.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/control"
	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/identity"
	"github.com/lantern-chat/lantern/internal/messaging"
	"github.com/lantern-chat/lantern/internal/relayclient"
	chatsync "github.com/lantern-chat/lantern/internal/sync"
	"github.com/lantern-chat/lantern/internal/store"
	"github.com/lantern-chat/lantern/internal/transfer"
)

// appVersion is reported in the hello handshake's profile payload (§4.5).
const appVersion = "0.1.0"

func main() {
	cfg := config.Load()

	storePath, err := config.StorePath()
	if err != nil {
		slog.Error("client: resolve store path", "err", err)
		os.Exit(1)
	}
	st, err := store.Open(storePath)
	if err != nil {
		slog.Error("client: open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	now := time.Now()
	profile, err := identity.LoadOrCreate(st, identity.Profile{
		DeviceID:      cfg.DeviceID,
		DisplayName:   cfg.DisplayName,
		AvatarEmoji:   cfg.AvatarEmoji,
		AvatarBg:      cfg.AvatarBg,
		StatusMessage: cfg.StatusMessage,
	}, now)
	if err != nil {
		slog.Error("client: load profile", "err", err)
		os.Exit(1)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = profile.DeviceID
		if err := config.Save(cfg); err != nil {
			slog.Warn("client: persist generated device id", "err", err)
		}
	}

	attachmentsRoot, err := config.AttachmentsDir(cfg)
	if err != nil {
		slog.Error("client: resolve attachments dir", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(attachmentsRoot, 0o750); err != nil {
		slog.Error("client: create attachments dir", "err", err)
		os.Exit(1)
	}

	registry, err := identity.NewRegistry(st)
	if err != nil {
		slog.Error("client: load peer registry", "err", err)
		os.Exit(1)
	}
	bus := events.NewBus()

	resolver := relayclient.NewEndpointResolver(os.Getenv("LANTERN_RELAY_URL"), cfg.ManualRelayAddr)

	// relayclient.Client wants its FrameHandler at construction time, but
	// the FrameHandler (the control loop) wants the Client as its Transport
	// at its own construction time. handlerRef breaks the cycle: it's built
	// first, handed to the Client, and only after the Loop exists does its
	// target get set to the real handler.
	ref := &handlerRef{}

	client := relayclient.New(relayclient.Config{
		Profile: frame.ProfilePayload{
			DeviceID:      profile.DeviceID,
			DisplayName:   profile.DisplayName,
			AvatarEmoji:   profile.AvatarEmoji,
			AvatarBg:      profile.AvatarBg,
			StatusMessage: profile.StatusMessage,
			AppVersion:    appVersion,
		},
		Resolver: resolver,
		Handler:  ref,
	})

	msgSvc := messaging.NewService(st, bus, client, profile.DeviceID, attachmentsRoot)
	syncSvc := chatsync.NewService(st, bus, client, profile.DeviceID)
	arena := transfer.NewArena()

	loop := control.New(st, bus, registry, msgSvc, syncSvc, arena, client, attachmentsRoot, profile.DeviceID)
	ref.set(loop)

	unsubscribe := bus.Subscribe(logEvent)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("client: shutting down")
		client.Stop()
		cancel()
	}()

	go resolver.Run(ctx)
	go client.Run(ctx)

	slog.Info("client: ready", "deviceId", profile.DeviceID, "displayName", profile.DisplayName)
	runREPL(ctx, msgSvc, registry, client, profile.DeviceID)
}

// handlerRef is a late-binding relayclient.FrameHandler: it exists so the
// Client can be constructed before the control loop that will actually
// handle its callbacks.
type handlerRef struct {
	target relayclient.FrameHandler
}

func (r *handlerRef) set(h relayclient.FrameHandler) { r.target = h }

func (r *handlerRef) HandleDeliver(f frame.Frame) {
	if r.target != nil {
		r.target.HandleDeliver(f)
	}
}

func (r *handlerRef) HandlePresenceSnapshot(peers []frame.PresencePeer, revision uint64) {
	if r.target != nil {
		r.target.HandlePresenceSnapshot(peers, revision)
	}
}

func (r *handlerRef) HandlePresenceDelta(p frame.PresenceDeltaPayload) {
	if r.target != nil {
		r.target.HandlePresenceDelta(p)
	}
}

func (r *handlerRef) HandleAnnouncementSnapshot(frames []frame.Frame, reactions map[string]map[string]string) {
	if r.target != nil {
		r.target.HandleAnnouncementSnapshot(frames, reactions)
	}
}

func (r *handlerRef) HandleAnnouncementExpired(messageIDs []string) {
	if r.target != nil {
		r.target.HandleAnnouncementExpired(messageIDs)
	}
}

func (r *handlerRef) HandleAnnouncementReactions(messageID string, reactions map[string]string) {
	if r.target != nil {
		r.target.HandleAnnouncementReactions(messageID, reactions)
	}
}

func (r *handlerRef) HandleConnectionChange(state relayclient.State, reason string) {
	if r.target != nil {
		r.target.HandleConnectionChange(state, reason)
	}
}

// logEvent is the stand-in UI adapter: it observes every bus event (§4.9)
// and logs it, since no desktop UI is wired up in this build.
func logEvent(ev events.Event) {
	slog.Info("client: event", "kind", ev.Kind, "data", ev.Data)
}

// runREPL reads line commands from stdin until ctx is cancelled or stdin
// closes. It is a stand-in for the UI adapter's command surface (§4.6), not
// part of that surface itself.
func runREPL(ctx context.Context, msgSvc *messaging.Service, registry *identity.Registry, client *relayclient.Client, selfDeviceID string) {
	fmt.Println("lantern-client ready. Commands: peers | send <peer> <text> | file <peer> <path> | forget <peer> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !dispatch(ctx, strings.TrimSpace(line), msgSvc, registry, client, selfDeviceID) {
				return
			}
		}
	}
}

func dispatch(ctx context.Context, line string, msgSvc *messaging.Service, registry *identity.Registry, client *relayclient.Client, selfDeviceID string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit":
		return false

	case "peers":
		peers, err := registry.Merged()
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		for _, p := range peers {
			fmt.Printf("  %s %-20s online=%v\n", p.DeviceID, p.DisplayName, p.Online)
		}

	case "send":
		if len(fields) < 3 {
			fmt.Println("usage: send <peer> <text>")
			return true
		}
		text := strings.Join(fields[2:], " ")
		if _, err := msgSvc.SendText(ctx, fields[1], text); err != nil {
			fmt.Println("send failed:", err)
		}

	case "file":
		if len(fields) != 3 {
			fmt.Println("usage: file <peer> <path>")
			return true
		}
		if _, err := msgSvc.SendFile(ctx, fields[1], fields[2]); err != nil {
			fmt.Println("file send failed:", err)
		}

	case "forget":
		if len(fields) != 2 {
			fmt.Println("usage: forget <peer>")
			return true
		}
		if _, err := registry.ForgetPeer(ctx, client, selfDeviceID, fields[1], time.Now()); err != nil {
			fmt.Println("forget failed:", err)
		}

	default:
		fmt.Println("unknown command:", fields[0])
	}
	return true
}
