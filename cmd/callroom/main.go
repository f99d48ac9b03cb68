package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/callroom/internal/config"
	"github.com/mikeyg42/callroom/internal/media/pion"
	"github.com/mikeyg42/callroom/internal/render"
	"github.com/mikeyg42/callroom/internal/room"
	"github.com/mikeyg42/callroom/internal/sdpex"
	"github.com/mikeyg42/callroom/internal/session"
	"github.com/mikeyg42/callroom/internal/signaling"
	"github.com/mikeyg42/callroom/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to yaml config file")
		addr    = flag.String("addr", "", "signaling server address (overrides config)")
		userID  = flag.String("user", "", "local user id (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.SignalingAddr = *addr
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "a user id is required (-user or config)")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer app.cleanup()

	app.commandLoop(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// application owns every long-lived component and routes events between the
// signaling channel, the call session and the room manager.
type application struct {
	cfg    *config.Config
	logger *zap.Logger

	signal  *signaling.Client
	sess    *session.Session
	rooms   *room.Manager
	persist *store.Store // nil when persistence is disabled

	renderCtx *render.Context
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{
		cfg:       cfg,
		logger:    logger.Named("app"),
		renderCtx: render.NewContext(),
	}

	if cfg.Store.Enabled {
		st, err := store.Open(ctx, store.Config{
			PostgresDSN:     cfg.Store.PostgresDSN,
			MinIOEndpoint:   cfg.Store.MinIOEndpoint,
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
			UseSSL:          cfg.Store.UseSSL,
			Bucket:          cfg.Store.Bucket,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		app.persist = st
	}

	engine, err := pion.NewEngine(cfg.Media.STUNServers, logger)
	if err != nil {
		return nil, fmt.Errorf("create media engine: %w", err)
	}

	app.rooms = room.NewManager(room.Config{
		NegotiationRetryInterval: cfg.Room.NegotiationRetryInterval,
		UnpublishRetryInterval:   cfg.Room.UnpublishRetryInterval,
		ReconnectInterval:        cfg.Room.ReconnectInterval,
		MaxReconnectAttempts:     cfg.Room.MaxReconnectAttempts,
	}, engine, sdpex.NewClient(10*time.Second, logger), app, logger)
	app.rooms.Start()

	sig, err := signaling.Dial(ctx, cfg.SignalingAddr, cfg.UserID, app, logger)
	if err != nil {
		app.rooms.Stop()
		return nil, fmt.Errorf("connect signaling: %w", err)
	}
	app.signal = sig

	app.sess = session.New(cfg.UserID, sig, app, app, logger)
	return app, nil
}

func (app *application) cleanup() {
	app.rooms.Stop()
	if app.signal != nil {
		app.signal.Close()
	}
	if app.persist != nil {
		app.persist.Close()
	}
	app.renderCtx.Release()
}

// ---- signaling.Handler ----

func (app *application) OnLoginOK() {
	app.logger.Info("logged in")
}

func (app *application) OnLogout(reason string) {
	app.logger.Warn("logged out", zap.String("reason", reason))
	app.sess.HandleChannelLost(reason)
}

func (app *application) OnEnterRoom(publishURL string) {
	app.logger.Info("entered room", zap.String("publish_url", publishURL))
	app.rooms.StartPublish(publishURL)
}

func (app *application) OnExitRoom(reason string) {
	app.logger.Info("exited room", zap.String("reason", reason))
	app.rooms.TeardownAll()
}

func (app *application) OnUserEnter(userID, pullURL string) {
	app.logger.Info("remote user entered", zap.String("user", userID))
	app.rooms.Subscribe(userID, pullURL)
}

func (app *application) OnUserLeave(userID, reason string) {
	app.logger.Info("remote user left",
		zap.String("user", userID), zap.String("reason", reason))
	app.rooms.RemovePeer(userID)
}

func (app *application) OnRoomMessage(userID, cmd, body string) {
	switch cmd {
	case signaling.RoomMsgUnpublishURL:
		app.rooms.SetUnpublishURL(body)
	default:
		app.logger.Debug("room message",
			zap.String("from", userID), zap.String("cmd", cmd))
	}
}

func (app *application) OnCallControl(from, cmd, roomID string) {
	app.sess.HandleCallControl(from, cmd, roomID)
}

func (app *application) OnChannelClosed(reason string) {
	app.logger.Warn("signaling channel closed", zap.String("reason", reason))
	app.sess.HandleChannelLost(reason)
}

// ---- session.MediaControl ----

func (app *application) StartLocalPublish() {
	_, _, roomID, _ := app.sess.Snapshot()
	if err := app.signal.SendRoomJoin(roomID); err != nil {
		app.logger.Error("room join failed", zap.Error(err))
	}
}

func (app *application) TeardownAll() {
	_, _, roomID, _ := app.sess.Snapshot()
	if roomID != "" {
		if err := app.signal.SendRoomLeave(roomID); err != nil {
			app.logger.Warn("room leave failed", zap.Error(err))
		}
	}
	app.rooms.TeardownAll()
}

// ---- session.Listener ----

func (app *application) OnInviteReceived(from, roomID string) {
	app.logger.Info("incoming call", zap.String("from", from), zap.String("room", roomID))
	app.logEvent("invite-received", from, roomID, "")
}

func (app *application) OnCallConnected(role session.Role, roomID string) {
	app.logger.Info("call connected", zap.Stringer("role", role), zap.String("room", roomID))
	app.logEvent("connected", "", roomID, role.String())
}

func (app *application) OnCallEnded(reason session.EndReason, peerID string) {
	app.logger.Info("call ended",
		zap.String("reason", string(reason)), zap.String("peer", peerID))
	app.logEvent("ended", peerID, "", string(reason))
}

// ---- room.Listener ----

func (app *application) OnPublishClosed() {
	app.logger.Info("publish closed")
}

func (app *application) OnPublishFatal(err error) {
	app.logger.Error("publish gave up", zap.Error(err))
	app.logEvent("publish-fatal", "", "", err.Error())
}

func (app *application) OnSubscribeFatal(peerID string, err error) {
	app.logger.Error("subscribe gave up", zap.String("peer", peerID), zap.Error(err))
	app.logEvent("subscribe-fatal", peerID, "", err.Error())
}

// logEvent persists asynchronously; listener callbacks may run on the room
// manager's event loop and must not block on the database.
func (app *application) logEvent(kind, peerID, roomID, detail string) {
	if app.persist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.persist.LogCallEvent(ctx, store.CallEvent{
			Kind: kind, PeerID: peerID, RoomID: roomID, Detail: detail,
		}); err != nil {
			app.logger.Warn("event log failed", zap.Error(err))
		}
	}()
}

// commandLoop reads interactive commands from stdin until the context ends.
func (app *application) commandLoop(ctx context.Context) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: invite <peer> <room> | accept | reject | cancel | hangup |")
	fmt.Println("          mute <peer|*> | unmute <peer|*> | volume <peer|*> <0-100> |")
	fmt.Println("          snapshot <peer|local> | quit")

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if app.runCommand(strings.Fields(line)) {
				return
			}
		}
	}
}

// runCommand executes one command; returns true when the loop should exit.
func (app *application) runCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	report := func(err error) {
		if err != nil {
			fmt.Println("error:", err)
		}
	}

	switch args[0] {
	case "invite":
		if len(args) != 3 {
			fmt.Println("usage: invite <peer> <room>")
			return false
		}
		report(app.sess.Invite(args[1], args[2]))
	case "accept":
		report(app.sess.Accept())
	case "reject":
		report(app.sess.Reject())
	case "cancel":
		report(app.sess.Cancel())
	case "hangup":
		report(app.sess.Hangup())
	case "mute":
		if len(args) == 2 {
			app.rooms.SetAudioMuted(args[1], true)
		}
	case "unmute":
		if len(args) == 2 {
			app.rooms.SetAudioMuted(args[1], false)
		}
	case "volume":
		if len(args) == 3 {
			var vol int
			if _, err := fmt.Sscanf(args[2], "%d", &vol); err == nil {
				app.rooms.SetAudioVolume(args[1], vol)
			}
		}
	case "snapshot":
		if len(args) == 2 {
			app.takeSnapshot(args[1])
		}
	case "quit":
		return true
	default:
		fmt.Println("unknown command:", args[0])
	}
	return false
}

func (app *application) takeSnapshot(peerID string) {
	app.rooms.Snapshot(peerID, func(f render.Frame, err error) {
		if err != nil {
			app.logger.Warn("snapshot failed", zap.String("peer", peerID), zap.Error(err))
			return
		}
		if app.persist == nil {
			app.logger.Info("snapshot taken (persistence disabled)",
				zap.String("peer", peerID), zap.Int("bytes", len(f.Data)))
			return
		}
		// The callback runs on the room manager's event loop; persist off it.
		frame := f.Clone()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			key, err := app.persist.SaveSnapshot(ctx, peerID, frame)
			if err != nil {
				app.logger.Warn("snapshot save failed", zap.Error(err))
				return
			}
			app.logger.Info("snapshot saved", zap.String("key", key))
		}()
	})
}
