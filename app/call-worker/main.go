package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/voxwire/voxwire/config"
	"github.com/voxwire/voxwire/internal/logger"
	"github.com/voxwire/voxwire/internal/provider"
	"github.com/voxwire/voxwire/internal/queue"
	"github.com/voxwire/voxwire/internal/registry"
	"github.com/voxwire/voxwire/internal/relay"
	mongorepo "github.com/voxwire/voxwire/internal/repositories/mongo"
	pgrepo "github.com/voxwire/voxwire/internal/repositories/postgres"
	"github.com/voxwire/voxwire/internal/services"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/telephony"
	"github.com/voxwire/voxwire/internal/utils"
)

func main() {
	_ = godotenv.Load()

	if err := config.InitRedis(); err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	if err := config.InitPostgres(); err != nil {
		log.Fatalf("PostgreSQL init error: %v", err)
	}
	if err := config.InitMongo(); err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	if err := config.EnsureMongoIndexes(config.MongoDatabase()); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}

	processID := utils.NewProcessID("worker")
	l := logger.ForProcess(processID)

	st := store.NewRedisStore(config.RedisClient)
	sessions := session.NewService(st)
	leases := registry.NewLeaseRegistry(st, l)
	rl := relay.New(st, sessions, processID, l)

	pm := provider.NewManager(provider.Config{
		URL: os.Getenv("AI_PROVIDER_WS_URL"),
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		MaxReconnectAttempts: provider.DefaultMaxAttempts,
	}, st, sessions, leases, rl, processID, l)

	transcripts := services.NewTranscriptService(mongorepo.NewTranscriptRepo(config.MongoDatabase(), 0))
	pm.SetTranscriptArchiver(transcripts)

	tel := telephony.NewClient(telephony.Config{
		AccountSID:        os.Getenv("TELEPHONY_ACCOUNT_SID"),
		AuthToken:         os.Getenv("TELEPHONY_AUTH_TOKEN"),
		BaseURL:           os.Getenv("TELEPHONY_API_URL"),
		FromNumber:        os.Getenv("TELEPHONY_FROM_NUMBER"),
		StreamBaseURL:     os.Getenv("MEDIA_STREAM_BASE_URL"),
		StatusCallbackURL: os.Getenv("STATUS_CALLBACK_BASE_URL"),
	})

	numWorkers, _ := strconv.Atoi(os.Getenv("NUM_WORKERS"))

	pool := &queue.WorkerPool{
		Redis:      config.RedisClient,
		Sessions:   sessions,
		Provider:   pm,
		Telephony:  tel,
		Calls:      services.NewCallService(pgrepo.NewCallRepo(config.PostgresDB)),
		Knowledge:  pgrepo.NewKnowledgeRepo(config.PostgresDB),
		Logger:     l,
		NumWorkers: numWorkers,
		FromNumber: os.Getenv("TELEPHONY_FROM_NUMBER"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("worker pool error: %v", err)
	}
	l.Info("call worker running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	l.Info("shutting down")
}
