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
	"github.com/example/order-saga/internal/outbox"
	"github.com/example/order-saga/internal/payment"
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
	txnTable := getEnv("PAYMENT_TABLE", "payment_transactions")
	outboxTable := getEnv("PAYMENT_OUTBOX_TABLE", "payment_outbox")
	maxAmount := getInt64Env("PAYMENT_MAX_AMOUNT", 100_000)
	pollInterval := getDurationEnv("OUTBOX_POLL_INTERVAL", 200*time.Millisecond)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal("load aws config", zap.Error(err))
	}
	client := dynamodb.NewFromConfig(awsCfg)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ob := outbox.NewDynamoStore(client, outboxTable)
	store := payment.NewDynamoStore(client, txnTable, ob)
	guard := idempotency.NewRedisGuard(rdb, "payment-service", idempotency.DefaultRetention)
	policy := payment.LimitPolicy{MaxAmount: maxAmount}
	handler := payment.NewHandler(store, ob, guard, policy, 3, log)

	producer := bus.NewProducer(brokers, event.TopicPaymentEvents)
	defer producer.Close()
	deadLetter := bus.NewProducer(brokers, event.TopicDeadLetter)
	defer deadLetter.Close()

	relay := outbox.NewRelay(ob, producer, outbox.RelayConfig{PollInterval: pollInterval}, log)

	consumer := bus.NewConsumer(brokers, event.TopicOrderEvents, "payment-service", deadLetter, log)
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
	run("order consumer", func(ctx context.Context) error {
		return consumer.Consume(ctx, handler.HandleEvent)
	})

	log.Info("payment service started",
		zap.Strings("brokers", brokers),
		zap.Int64("maxAmount", maxAmount))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	wg.Wait()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt64Env(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
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
