package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

const (
	DefaultRelayChannel = "delivery-engine:events"
	connectTimeout      = 5 * time.Second
)

// RelayConfig configures the valkey relay.
type RelayConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type envelope struct {
	SenderID string `json:"senderId"`
	Event    Event  `json:"event"`
}

// ValkeyRelay publishes events on a valkey pub/sub channel and delivers
// events published by other instances.
type ValkeyRelay struct {
	client   valkeylib.Client
	channel  string
	senderID string
	outbound chan Event
	logger   *zap.Logger
}

// NewValkeyRelay connects and pings the server. senderID identifies this
// instance so it ignores its own messages.
func NewValkeyRelay(cfg RelayConfig, senderID string, logger *zap.Logger) (*ValkeyRelay, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return newValkeyRelay(client, cfg.Channel, senderID, logger), nil
}

func newValkeyRelay(client valkeylib.Client, channel, senderID string, logger *zap.Logger) *ValkeyRelay {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValkeyRelay{
		client:   client,
		channel:  channel,
		senderID: senderID,
		outbound: make(chan Event, DefaultQueueSize),
		logger:   logger,
	}
}

// Forward queues ev for publishing and drops it when the queue is full.
func (r *ValkeyRelay) Forward(ev Event) {
	select {
	case r.outbound <- ev:
	default:
		r.logger.Warn("relay queue full, event not forwarded", zap.String("type", string(ev.Type)))
	}
}

// Run publishes queued events and subscribes to the channel until ctx is done.
func (r *ValkeyRelay) Run(ctx context.Context, deliver func(Event)) error {
	go r.publishLoop(ctx)

	r.logger.Info("starting valkey event relay", zap.String("channel", r.channel))

	err := r.client.Receive(ctx, r.client.B().Subscribe().Channel(r.channel).Build(), func(msg valkeylib.PubSubMessage) {
		r.receive(msg.Message, deliver)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("valkey subscriber: %w", err)
	}
	return nil
}

func (r *ValkeyRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.outbound:
			payload, err := r.encode(ev)
			if err != nil {
				r.logger.Error("encoding relay event", zap.Error(err))
				continue
			}
			cmd := r.client.B().Publish().Channel(r.channel).Message(payload).Build()
			if err := r.client.Do(ctx, cmd).Error(); err != nil {
				r.logger.Error("publishing to valkey", zap.Error(err))
			}
		}
	}
}

func (r *ValkeyRelay) encode(ev Event) (string, error) {
	data, err := json.Marshal(envelope{SenderID: r.senderID, Event: ev})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *ValkeyRelay) receive(payload string, deliver func(Event)) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("malformed relay message", zap.Error(err))
		return
	}
	if env.SenderID == r.senderID {
		return
	}
	deliver(env.Event)
}

func (r *ValkeyRelay) Close() {
	r.client.Close()
}
