package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"localchat/internal/api"
	"localchat/internal/auth"
	"localchat/internal/config"
	"localchat/internal/events"
	"localchat/internal/llm"
	"localchat/internal/ratelimit"
	"localchat/internal/redis"
	"localchat/internal/service/chat"
	"localchat/internal/service/llmconf"
	"localchat/internal/storage"
	"localchat/internal/vault"
)

func main() {
	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LOCALCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("LOCALCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	logger := events.NewStdLogger()

	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
		limiterStore = ratelimit.NewRedisStore(redisClient)
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit, limiterStore, logger)

	tokenVault := vault.New(db, logger)
	completions := llm.NewClient(logger)
	configSvc := llmconf.NewService(db, tokenVault, completions, logger)
	chatSvc := chat.NewService(db, configSvc, completions, limiter, logger)
	authSvc := auth.NewService(db, time.Duration(cfg.BasicConfig.AuthTokenTTL)*time.Hour)

	router := gin.Default()
	handler := api.NewHandler(chatSvc, configSvc, authSvc, logger)
	handler.RegisterRoutes(router)

	log.Printf("listening on %s", cfg.BasicConfig.ServerAddress)
	if err := router.Run(cfg.BasicConfig.ServerAddress); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
