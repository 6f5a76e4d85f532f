package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/config"
	"github.com/voxwire/voxwire/internal/api/handlers"
	"github.com/voxwire/voxwire/internal/api/middleware"
	"github.com/voxwire/voxwire/internal/api/routes"
	"github.com/voxwire/voxwire/internal/coordinator"
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

	processID := utils.NewProcessID("api")
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

	co := coordinator.New(coordinator.Config{ProcessID: processID}, sessions, pm, rl, st, l)

	calls := services.NewCallService(pgrepo.NewCallRepo(config.PostgresDB))
	transcripts := services.NewTranscriptService(mongorepo.NewTranscriptRepo(config.MongoDatabase(), 0))

	callHandler := handlers.NewCallHandler(config.RedisClient, queue.DefaultStream, sessions, calls, transcripts, l)
	adminHandler := handlers.NewAdminHandler(sessions, pm)
	knowledgeHandler := handlers.NewKnowledgeHandler(pgrepo.NewKnowledgeRepo(config.PostgresDB))

	r := gin.New()
	r.Use(middleware.RequestLogger(l), gin.Recovery())
	routes.RegisterRoutes(r, routes.Deps{
		Call:        callHandler,
		Admin:       adminHandler,
		Knowledge:   knowledgeHandler,
		Coordinator: co,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	l.WithField("port", port).Info("api server listening")
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
