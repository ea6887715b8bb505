package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/bus"
	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/inventory"
	"github.com/example/order-saga/internal/outbox"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	itemsTable := getEnv("INVENTORY_TABLE", "inventory_items")
	reservationsTable := getEnv("RESERVATIONS_TABLE", "reservations")
	outboxTable := getEnv("INVENTORY_OUTBOX_TABLE", "inventory_outbox")
	reservationTTL := getDurationEnv("RESERVATION_TTL", time.Minute)
	reaperInterval := getDurationEnv("REAPER_INTERVAL", 10*time.Second)
	pollInterval := getDurationEnv("OUTBOX_POLL_INTERVAL", 200*time.Millisecond)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal("load aws config", zap.Error(err))
	}
	client := dynamodb.NewFromConfig(awsCfg)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ob := outbox.NewDynamoStore(client, outboxTable)
	store := inventory.NewDynamoStore(client, itemsTable, reservationsTable, ob)
	guard := idempotency.NewRedisGuard(rdb, "inventory-service", idempotency.DefaultRetention)
	handler := inventory.NewHandler(store, ob, guard, inventory.Config{
		ReservationTTL:       reservationTTL,
		CASRetries:           3,
		CompensationAttempts: 3,
	}, log)
	reaper := inventory.NewReaper(store, handler, reaperInterval, 50, log)

	seedStock(ctx, store, getEnv("SEED_STOCK", ""), log)

	producer := bus.NewProducer(brokers, event.TopicInventoryEvents)
	defer producer.Close()
	deadLetter := bus.NewProducer(brokers, event.TopicDeadLetter)
	defer deadLetter.Close()

	relay := outbox.NewRelay(ob, producer, outbox.RelayConfig{PollInterval: pollInterval}, log)

	consumer := bus.NewConsumer(brokers, event.TopicOrderEvents, "inventory-service", deadLetter, log)
	defer consumer.Close()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error(name, zap.Error(err))
			}
		}()
	}

	run("relay", relay.Run)
	run("reaper", reaper.Run)
	run("order consumer", func(ctx context.Context) error {
		return consumer.Consume(ctx, handler.HandleEvent)
	})

	log.Info("inventory service started",
		zap.Strings("brokers", brokers),
		zap.Duration("reservationTTL", reservationTTL))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	wg.Wait()
}

// seedStock applies an optional "P1:100,P2:50" spec via the external
// restock operation.
func seedStock(ctx context.Context, store inventory.Store, spec string, log *zap.Logger) {
	if spec == "" {
		return
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			continue
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			continue
		}
		if err := store.Restock(ctx, parts[0], qty); err != nil {
			log.Error("seed stock", zap.String("productId", parts[0]), zap.Error(err))
			continue
		}
		log.Info("stock seeded", zap.String("productId", parts[0]), zap.Int("quantity", qty))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
