package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	collaborationRepo "chat_relay/internal/repository/collaboration"
	devicekeyRepo "chat_relay/internal/repository/devicekey"
	mailboxRepo "chat_relay/internal/repository/mailbox"
	migrationRepo "chat_relay/internal/repository/migration"
	receiptRepo "chat_relay/internal/repository/receipt"
	userRepo "chat_relay/internal/repository/user"
	"chat_relay/internal/service/auth"
	"chat_relay/internal/service/federation"
	"chat_relay/internal/service/keycache"
	mailboxSvc "chat_relay/internal/service/mailbox"
	migrationSvc "chat_relay/internal/service/migration"
	"chat_relay/internal/service/push"
	redisSvc "chat_relay/internal/service/redis"
	"chat_relay/internal/service/registry"
	relaySvc "chat_relay/internal/service/relay"
	"chat_relay/internal/service/server"
	"chat_relay/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type config struct {
	listenAddr string
	mongoURI   string
	mongoDB    string
	redisAddr  string
	pushURL    string
}

func loadConfig() config {
	return config{
		listenAddr: envOr("LISTEN_ADDR", "localhost:9090"),
		mongoURI:   envOr("MONGO_URI", "mongodb://localhost:27017"),
		mongoDB:    envOr("MONGO_DB", "chat_relay"),
		redisAddr:  envOr("REDIS_ADDR", "localhost:6379"),
		pushURL:    os.Getenv("PUSH_WEBHOOK_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()

	mongoDBClient, err := initMongo(cfg.mongoURI)
	if err != nil {
		panic(err)
	}
	db := mongoDBClient.Database(cfg.mongoDB)

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.redisAddr,
	})
	redisService := redisSvc.NewRedis(rdb)

	users := userRepo.NewUserRepo(db)
	deviceKeys := devicekeyRepo.NewDeviceKeyRepo(db)
	offline := mailboxRepo.NewMailboxRepo(db)
	receipts := receiptRepo.NewReceiptRepo(db)
	migrations := migrationRepo.NewMigrationRepo(db)
	collaborations := collaborationRepo.NewCollaborationRepo(db)

	cache := keycache.NewKeyCache(redisService, keycache.DefaultTTL)
	verifier := auth.NewVerifier(deviceKeys, users, migrations, cache)

	reg := registry.NewRegistry()
	pushSender := push.NewWebhookSender(cfg.pushURL)
	mailbox := mailboxSvc.NewMailbox(offline, pushSender)
	bridge := federation.NewBridge(federation.NewHTTPTransport())
	relay := relaySvc.NewRelay(reg, mailbox, receipts, pushSender, bridge, collaborations)
	coordinator := migrationSvc.NewCoordinator(migrations)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mailbox.RunCleanup(ctx, mailboxSvc.DefaultCleanupEvery)
	go coordinator.RunCleanup(ctx, migrationSvc.DefaultCleanupEvery)

	srv := server.NewHttpServer(cfg.listenAddr, verifier, reg, relay, users, deviceKeys, coordinator)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
