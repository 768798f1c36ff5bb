// call-agent is a headless participant for the realtime relay. It joins as
// one user, follows that user's chats and can place, answer or refuse
// calls. Media comes from synthetic tracks, so it runs anywhere.
//
// Examples:
//
//	call-agent --user <uuid> --auto-accept
//	call-agent --user <uuid> --call <peer-uuid> --room <accommodation-id> --message "hi"
//	call-agent --user <uuid> --history
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/call"
	"rentalconnect-realtime/internal/chat"
	"rentalconnect-realtime/internal/client"
	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/rtc"
	"rentalconnect-realtime/internal/signaling"
	"rentalconnect-realtime/pkg/config"
	"rentalconnect-realtime/pkg/jwt"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

type options struct {
	signalingURL string
	apiURL       string
	token        string
	user         string
	name         string
	role         string
	peer         string
	room         string
	message      string
	autoAccept   bool
	reject       bool
	audioOnly    bool
	history      bool
	ringTimeout  time.Duration
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger.InitDefault()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("call-agent", pflag.ContinueOnError)
	flagSet.StringVar(&opts.signalingURL, "signaling-url", cfg.Client.SignalingURL, "relay websocket URL")
	flagSet.StringVar(&opts.apiURL, "api-url", cfg.Client.APIBaseURL, "chat REST base URL")
	flagSet.StringVar(&opts.token, "token", cfg.Client.Token, "access token (minted from JWT_SECRET when empty)")
	flagSet.StringVar(&opts.user, "user", "", "user id to act as")
	flagSet.StringVar(&opts.name, "name", "call-agent", "display name for a minted token")
	flagSet.StringVar(&opts.role, "role", jwt.RoleGuest, "role for a minted token (guest or host)")
	flagSet.StringVar(&opts.peer, "call", "", "user id to call")
	flagSet.StringVar(&opts.room, "room", "", "accommodation id the call and chat belong to")
	flagSet.StringVar(&opts.message, "message", "", "chat message to send to the peer before calling")
	flagSet.BoolVar(&opts.autoAccept, "auto-accept", false, "accept incoming calls")
	flagSet.BoolVar(&opts.reject, "reject", false, "reject incoming calls")
	flagSet.BoolVar(&opts.audioOnly, "audio-only", false, "send audio only")
	flagSet.BoolVar(&opts.history, "history", false, "print call history and exit")
	flagSet.DurationVar(&opts.ringTimeout, "ring-timeout", cfg.Call.RingTimeout, "give up on unanswered calls after this long")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if opts.autoAccept && opts.reject {
		return fmt.Errorf("--auto-accept and --reject are mutually exclusive")
	}

	self, token, err := identity(cfg, &opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(opts.apiURL, token)
	if opts.history {
		return printHistory(ctx, api)
	}

	appMetrics := metrics.NewMetrics("call-agent")
	log := logger.Named("agent").With(zap.String("user_id", self.String()))

	channel := signaling.NewClient(opts.signalingURL, token, signaling.WithMetrics(appMetrics))
	channel.OnStatus(func(connected bool) {
		log.Info("Relay connection changed", zap.Bool("connected", connected))
		if !connected {
			stop()
		}
	})
	if err := channel.Connect(ctx); err != nil {
		return err
	}
	defer channel.Close()

	constraints := rtc.DefaultConstraints
	if opts.audioOnly {
		constraints = rtc.Constraints{Audio: true}
	}

	peer := rtc.NewManager(cfg.Call.STUNServers, rtc.NewStaticSource())
	peer.OnRemoteTrack(func(s *rtc.MediaStream) {
		log.Info("Remote media", zap.String("stream", s.ID()), zap.Int("tracks", len(s.GetTracks())))
	})

	controller := call.New(call.Config{
		SelfID:      self,
		RingTimeout: opts.ringTimeout,
		Constraints: constraints,
	}, channel, peer, call.WithMetrics(appMetrics))
	defer controller.Close()

	controller.OnStateChange(func(sc call.StateChange) {
		fmt.Printf("call %s -> %s peer=%s room=%s reason=%s\n", sc.From, sc.To, sc.PeerUserID, sc.RoomID, sc.Reason)
		if sc.To == domain.CallStatusEnded && opts.peer != "" {
			stop()
		}
	})
	controller.OnError(func(err error) {
		log.Warn("Call error", zap.Error(err))
	})
	controller.OnIncomingCall(func(in call.IncomingCall) {
		fmt.Printf("incoming call from %s room=%s\n", in.FromUserID, in.RoomID)
		switch {
		case opts.autoAccept:
			go func() {
				if err := controller.Accept(ctx); err != nil {
					log.Warn("Failed to accept call", zap.Error(err))
				}
			}()
		case opts.reject:
			if err := controller.Reject(); err != nil {
				log.Warn("Failed to reject call", zap.Error(err))
			}
		}
	})

	overlay := chat.New(self, api, channel, chat.WithMetrics(appMetrics))
	defer overlay.Close()

	overlay.OnNotification(func(n chat.Notification) {
		fmt.Printf("message from %s about %s: %s\n", n.From, n.AccommodationID, n.Text)
	})
	overlay.OnThreadUpdate(func(msgs []domain.ConversationMessage) {
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			fmt.Printf("thread: %s: %s\n", last.SenderID, last.Text)
		}
	})
	overlay.OnNotice(func(n chat.Notice) {
		log.Warn("Chat notice", zap.String("message", n.Message))
	})
	if err := overlay.LoadSummaries(ctx); err != nil {
		log.Warn("Failed to load chats", zap.Error(err))
	}

	if opts.peer != "" {
		if err := placeCall(ctx, &opts, overlay, controller); err != nil {
			return err
		}
	}

	<-ctx.Done()
	controller.End()
	return nil
}

// identity resolves the acting user and the token to present. Without a
// token one is minted, which only works against a relay that shares the
// secret.
func identity(cfg *config.Config, opts *options) (domain.ID, string, error) {
	userID := uuid.New()
	if opts.user != "" {
		parsed, err := uuid.Parse(opts.user)
		if err != nil {
			return domain.NilID, "", fmt.Errorf("invalid --user: %w", err)
		}
		userID = parsed
	} else if opts.token != "" {
		return domain.NilID, "", fmt.Errorf("--user is required with --token")
	}

	if opts.token != "" {
		return domain.IDFromUUID(userID), opts.token, nil
	}

	secret := cfg.JWT.Secret
	if secret == "" {
		secret = jwt.DevelopmentSecret
	}
	token, err := jwt.NewJWTManager(secret, cfg.JWT.AccessTokenExpiry).GenerateAccessToken(userID, opts.name, opts.role)
	if err != nil {
		return domain.NilID, "", err
	}
	return domain.IDFromUUID(userID), token, nil
}

func placeCall(ctx context.Context, opts *options, overlay *chat.Overlay, controller *call.Controller) error {
	peerID := domain.ID(opts.peer)
	roomID := domain.ID(opts.room)

	if opts.room != "" {
		if err := overlay.Open(ctx, roomID, peerID); err != nil {
			return err
		}
		if opts.message != "" {
			if _, err := overlay.Send(ctx, opts.message); err != nil {
				return err
			}
		}
	}
	return controller.Start(ctx, peerID, roomID)
}

func printHistory(ctx context.Context, api *client.Client) error {
	calls, err := api.CallHistory(ctx, 20)
	if err != nil {
		return err
	}
	for _, c := range calls {
		fmt.Printf("%s  %s -> %s  %-7s %-13s %ds\n",
			c.StartedAt.Format(time.RFC3339), c.CallerID, c.CalleeID, c.Status, c.EndReason, c.Duration)
	}
	return nil
}
