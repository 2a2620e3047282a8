package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/wire"
)

// Config holds JetStream relay settings
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default relay settings
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "LINEWATCH_EVENTS",
		ConsumerName:  "linewatch-relay",
		SubjectPrefix: "linewatch.rooms",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// envelope is the relay wire frame. Origin identifies the publishing
// instance so a consumer can drop its own messages.
type envelope struct {
	Origin string                `json:"origin"`
	RoomID string                `json:"roomId"`
	SentAt int64                 `json:"sentAt"`
	Change wire.LineStateChanged `json:"change"`
}

// Relay fans line changes out to collaborating server instances over
// NATS JetStream and applies inbound changes from them.
type Relay struct {
	instanceID string
	nc         *nats.Conn
	js         jetstream.JetStream
	consumer   jetstream.Consumer
	apply      func(roomID string, change models.Change)
	config     Config
}

// New connects to NATS and ensures the stream and this instance's
// consumer exist. apply receives every change published by another
// instance, already tagged with a remote origin.
func New(config Config, instanceID string, apply func(roomID string, change models.Change)) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &Relay{
		instanceID: instanceID,
		nc:         nc,
		js:         js,
		apply:      apply,
		config:     config,
	}

	if err := r.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return r, nil
}

func (r *Relay) ensureConsumer(ctx context.Context) error {
	stream, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     r.config.StreamName,
		Subjects: []string{r.config.SubjectPrefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	// Every instance needs its own consumer so changes fan out to all
	// of them; the name is suffixed with the instance id.
	name := r.config.ConsumerName + "-" + r.instanceID
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		Description:   "linewatch cross-instance relay",
		FilterSubject: r.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    r.config.MaxDeliver,
		AckWait:       r.config.AckWait,
		MaxAckPending: r.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	r.consumer = consumer
	log.Info().
		Str("consumer", name).
		Str("stream", r.config.StreamName).
		Msg("relay consumer ready")
	return nil
}

// PublishChange sends one accepted local transition to other instances
func (r *Relay) PublishChange(ctx context.Context, roomID string, change models.Change) error {
	env := envelope{
		Origin: r.instanceID,
		RoomID: roomID,
		SentAt: change.SentAt.UnixMilli(),
		Change: wire.ChangeToWire(change),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}

	subject := r.config.SubjectPrefix + "." + roomID
	if _, err := r.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Start consumes relay messages until ctx is cancelled
func (r *Relay) Start(ctx context.Context) error {
	log.Info().Str("stream", r.config.StreamName).Msg("starting relay consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := r.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := r.processMessage(msg); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process relay message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (r *Relay) processMessage(msg jetstream.Msg) error {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal relay envelope: %w", err)
	}

	// Loop prevention: never apply our own published changes.
	if env.Origin == r.instanceID {
		return nil
	}

	change := wire.ChangeFromWire(env.Change, models.OriginRemote)
	log.Debug().
		Str("room_id", env.RoomID).
		Str("origin", env.Origin).
		Int("line", change.LineID).
		Str("state", string(change.NewState)).
		Msg("applying relayed change")

	r.apply(env.RoomID, change)
	return nil
}

// Stop closes the NATS connection
func (r *Relay) Stop() {
	if r.nc != nil {
		r.nc.Close()
	}
}
