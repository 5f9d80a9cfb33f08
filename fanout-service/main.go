package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sims11tz/wagyu-warriors-den/pkg/otelhelper"
)

// LoungeEvent is the change event published by lounge-service. Only the
// fields delivery and roster maintenance need are decoded here.
type LoungeEvent struct {
	Type     string `json:"type"`
	LoungeID string `json:"loungeId"`
	Member   *struct {
		UserID   string `json:"userId"`
		LoungeID string `json:"loungeId"`
	} `json:"member,omitempty"`
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("fanout-service")
	fanoutCounter, _ := meter.Int64Counter("fanout_deliveries_total",
		metric.WithDescription("Total events delivered to lounge members"))
	fanoutDuration, _ := meter.Float64Histogram("fanout_duration_seconds",
		metric.WithDescription("Time to deliver one event to all lounge members"))
	droppedCounter, _ := meter.Int64Counter("fanout_dropped_total",
		metric.WithDescription("Deliveries skipped by an open circuit breaker"))
	loungeGauge, _ := meter.Int64ObservableGauge("fanout_lounge_count",
		metric.WithDescription("Number of lounges with seated members"))
	seatsGauge, _ := meter.Int64ObservableGauge("fanout_total_seats",
		metric.WithDescription("Total seated members across lounges"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "fanout-service")
	natsPass := envOrDefault("NATS_PASS", "fanout-service-secret")
	breakerThreshold := envInt("BREAKER_THRESHOLD", 5)
	breakerCooldown := envInt("BREAKER_COOLDOWN_SECONDS", 30)

	slog.Info("Starting Fanout Service", "nats_url", natsURL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("fanout-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	seats := newRoster()
	breakers := newBreakerSet(breakerThreshold, breakerCooldown)

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(loungeGauge, int64(seats.loungeCount()))
		o.ObserveInt64(seatsGauge, int64(seats.totalSeats()))
		return nil
	}, loungeGauge, seatsGauge)

	// Roster maintenance: every instance mirrors full membership, so no
	// queue group here.
	_, err = nc.Subscribe("lounge.event.*", func(msg *nats.Msg) {
		var evt LoungeEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Warn("Invalid lounge event", "error", err)
			return
		}
		switch evt.Type {
		case "member_joined":
			if evt.Member != nil {
				seats.seat(evt.LoungeID, evt.Member.UserID)
			}
		case "member_left":
			if evt.Member != nil {
				seats.unseat(evt.LoungeID, evt.Member.UserID)
			}
		case "lounge_removed":
			seats.dropLounge(evt.LoungeID)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to lounge.event.* (roster)", "error", err)
		os.Exit(1)
	}

	// Delivery: load-balanced across instances via queue group.
	_, err = nc.QueueSubscribe("lounge.event.*", "fanout-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout lounge event")
		defer span.End()

		start := time.Now()
		loungeID := strings.TrimPrefix(msg.Subject, "lounge.event.")

		var evt LoungeEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}

		recipients := seats.members(loungeID)
		// A join event may outrun its own roster update; the new member
		// still deserves a copy.
		if evt.Type == "member_joined" && evt.Member != nil {
			found := false
			for _, uid := range recipients {
				if uid == evt.Member.UserID {
					found = true
					break
				}
			}
			if !found {
				recipients = append(recipients, evt.Member.UserID)
			}
		}
		// A departing member still sees their own departure.
		if evt.Type == "member_left" && evt.Member != nil {
			recipients = append(recipients, evt.Member.UserID)
		}

		span.SetAttributes(
			attribute.String("lounge.id", loungeID),
			attribute.String("lounge.event_type", evt.Type),
			attribute.Int("fanout.member_count", len(recipients)),
		)

		delivered := 0
		for _, userID := range recipients {
			cb := breakers.forUser(userID)
			if !cb.Allow() {
				droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user", userID)))
				continue
			}
			if err := otelhelper.TracedPublish(ctx, nc, "deliver."+userID+"."+msg.Subject, msg.Data); err != nil {
				cb.RecordFailure()
				slog.WarnContext(ctx, "Delivery failed", "user", userID, "lounge", loungeID, "error", err)
				continue
			}
			cb.RecordSuccess()
			delivered++
		}

		duration := time.Since(start).Seconds()
		attrs := metric.WithAttributes(attribute.String("lounge", loungeID))
		fanoutCounter.Add(ctx, int64(delivered), attrs)
		fanoutDuration.Record(ctx, duration, attrs)

		if delivered > 0 {
			slog.DebugContext(ctx, "Fanned out lounge event",
				"lounge", loungeID, "type", evt.Type, "delivered", delivered,
				"duration_ms", time.Since(start).Milliseconds())
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to lounge.event.* (delivery)", "error", err)
		os.Exit(1)
	}

	slog.Info("Fanout service ready — mirroring lounge.event.*, delivering to deliver.{user}.lounge.event.{loungeId}")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down fanout service")
	nc.Drain()
}
