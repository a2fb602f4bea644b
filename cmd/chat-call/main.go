package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kaungkhant-thar/chat-app/internal/call"
	"github.com/kaungkhant-thar/chat-app/internal/media"
	"github.com/kaungkhant-thar/chat-app/internal/peerconn"
	"github.com/kaungkhant-thar/chat-app/internal/signaling"
)

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8080", "signaling server base URL")
		token       = flag.String("token", "", "bearer token for the signaling server")
		userID      = flag.String("user", "", "local user id, for display only")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		ringTimeout = flag.Duration("ring-timeout", call.DefaultRingTimeout, "how long an unanswered call rings")
	)
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(2)
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(*serverURL, *token, *userID, *ringTimeout, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(serverURL, token, userID string, ringTimeout time.Duration, logger *slog.Logger) error {
	iceServers, err := fetchICEServers(serverURL, token)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}
	logger.Info("ice configuration loaded", "servers", len(iceServers))

	devices, err := media.NewDevices()
	if err != nil {
		return fmt.Errorf("open capture devices: %w", err)
	}
	mediaMgr := media.NewManager(devices, logger)

	api, err := peerconn.NewAPI(logger, devices)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	transportFactory := peerconn.NewPionFactory(api, iceServers)

	coord, err := call.NewCoordinator(call.Options{
		LocalUserID: userID,
		Media:       mediaMgr,
		NewPeer: func(handler peerconn.Handler) (call.PeerManager, error) {
			return peerconn.NewManager(transportFactory, handler, logger)
		},
		Logger:      logger,
		RingTimeout: ringTimeout,
		OnStateChange: func(snap call.Snapshot) {
			switch snap.State {
			case call.StateIncomingPending:
				fmt.Printf("incoming %s call from %s; type accept or reject\n", snap.MediaKind, snap.RemoteUserID)
			case call.StateActive:
				fmt.Printf("call with %s is active\n", snap.RemoteUserID)
			case call.StateEnded:
				fmt.Printf("call with %s ended: %s\n", snap.RemoteUserID, snap.Reason)
			case call.StateIdle:
				fmt.Println("idle")
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			fmt.Printf("receiving remote %s track\n", track.Kind())
			go drainTrack(track, logger)
		},
	})
	if err != nil {
		return err
	}

	wsURL, err := signalingURL(serverURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := signaling.Dial(dialCtx, wsURL, token, coord, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	defer client.Close()
	coord.SetSignaler(client)

	logger.Info("connected", "server", wsURL)
	fmt.Println("commands: call <user> [audio|video], accept, reject, end, mute, unmute, status, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = coord.End()
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = coord.End()
				return nil
			}
			if quit := dispatch(coord, line); quit {
				_ = coord.End()
				return nil
			}
		}
	}
}

func dispatch(coord *call.Coordinator, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <user> [audio|video]")
			return false
		}
		kind := media.KindVideo
		if len(fields) > 2 && fields[2] == "audio" {
			kind = media.KindAudio
		}
		err = coord.StartCall(fields[1], kind)
	case "accept":
		err = coord.Accept()
	case "reject":
		err = coord.Reject()
	case "end":
		err = coord.End()
	case "mute":
		coord.SetMuted(true)
	case "unmute":
		coord.SetMuted(false)
	case "status":
		snap := coord.Snapshot()
		fmt.Printf("state=%s remote=%s role=%s kind=%s muted=%v\n",
			snap.State, snap.RemoteUserID, snap.Role, snap.MediaKind, coord.Muted())
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

// drainTrack keeps the RTP pipeline moving. A real frontend would decode and
// render; the CLI just consumes packets until the track closes.
func drainTrack(track *webrtc.TrackRemote, logger *slog.Logger) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			logger.Debug("remote track closed", "kind", track.Kind().String(), "err", err)
			return
		}
	}
}

// signalingURL maps the HTTP base URL to the websocket endpoint.
func signalingURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func fetchICEServers(serverURL, token string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/webrtc/ice"

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice endpoint returned %s", resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return body.ICEServers, nil
}
