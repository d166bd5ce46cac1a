// polychat-echo is a reference plugin. It echoes payloads, accepts any
// token login and, optionally, emits a heartbeat event.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/snowmerak/polychat/lib/instruction"
	"github.com/snowmerak/polychat/lib/plugin"
)

// SendMessage is the JSON payload of send_message.
type SendMessage struct {
	Conversation string `json:"conversation"`
	Text         string `json:"text"`
}

// SendReceipt acknowledges a SendMessage.
type SendReceipt struct {
	Conversation string    `json:"conversation"`
	SentAt       time.Time `json:"sent_at"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serviceName string
		heartbeat   time.Duration
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("polychat-echo", pflag.ContinueOnError)
	flagSet.StringVar(&serviceName, "service", "echo", "service name announced to Core")
	flagSet.DurationVar(&heartbeat, "heartbeat", 0, "emit a heartbeat event at this interval (0 disables)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	// stdout carries the plugin channel.
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := plugin.NewFromEnv(ctx, plugin.Info{
		ServiceName:   serviceName,
		PluginVersion: instruction.Version{Major: 1},
		AuthMethods: []instruction.AuthMethod{{
			Name: "token",
			Fields: []instruction.Field{
				{Name: "token", Type: instruction.FieldString, Required: true, Sensitive: true},
			},
		}},
	}, plugin.WithLogger(logger))
	if err != nil {
		return err
	}

	m.Handle(instruction.OpEcho, func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	m.Handle(instruction.OpSendMessage, plugin.JSONHandler(func(_ context.Context, req SendMessage) (SendReceipt, error) {
		if req.Conversation == "" {
			return SendReceipt{}, errors.New("conversation is required")
		}
		logger.Info().Str("conversation", req.Conversation).Int("length", len(req.Text)).Msg("message sent")
		return SendReceipt{Conversation: req.Conversation, SentAt: time.Now().UTC()}, nil
	}))
	m.Handle(instruction.OpAuthAccount, plugin.CBORHandler(authenticate))

	if heartbeat > 0 {
		go emitHeartbeats(ctx, m, heartbeat, logger)
	}

	return m.Listen(ctx)
}

func authenticate(_ context.Context, req instruction.AuthAccountRequest) (instruction.AuthAccountResponse, error) {
	if req.Method.Name != "token" {
		return instruction.AuthAccountResponse{
			Result:  instruction.AuthFailRejected,
			Details: fmt.Sprintf("unsupported auth method %q", req.Method.Name),
		}, nil
	}
	for _, field := range req.Method.Fields {
		if field.Name == "token" && field.Value != "" {
			return instruction.AuthAccountResponse{Result: instruction.AuthSuccess}, nil
		}
	}
	return instruction.AuthAccountResponse{Result: instruction.AuthFailRejected, Details: "token is required"}, nil
}

func emitHeartbeats(ctx context.Context, m *plugin.Module, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if m.IsShutdown() {
				return
			}
			if err := m.Emit(ctx, []byte("heartbeat "+now.UTC().Format(time.RFC3339))); err != nil {
				logger.Warn().Err(err).Msg("failed to emit heartbeat")
				return
			}
		}
	}
}
