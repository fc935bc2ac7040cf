package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go-dm/internal/cache"
	"go-dm/internal/config"
	"go-dm/internal/delivery"
	"go-dm/internal/logger"
	"go-dm/internal/metrics"
	"go-dm/internal/mq"
	httpapi "go-dm/internal/presentation/http"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
	"go-dm/internal/transport"
	"go-dm/internal/transport/tcp"
	"go-dm/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, ServiceName: "chat_server"})
	log := logger.L()

	if cfg.EnableMetrics {
		metrics.Init()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgStore, closeStore, err := openMessageStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("messageDB", cfg.MessageDB).Msg("message store init failed")
	}
	defer closeStore()

	rdb := cache.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis 只承载缓存、限流与在线状态，不可用时降级运行
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, running degraded")
	}
	presence := cache.NewPresence(rdb)
	limiter := ratelimit.NewTokenBucketLimiter(rdb, cfg.WSSendQPS, cfg.WSSendBurst)
	var listCache *cache.ChatListCache
	if cfg.ChatListCacheTTLSeconds > 0 {
		listCache = cache.NewChatListCache(rdb, cfg.ChatListCacheTTL())
	}

	router := delivery.NewRouter()
	router.OnPresence = func(userID string, online bool) {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var err error
		if online {
			err = presence.SetOnline(pctx, userID)
		} else {
			err = presence.SetOffline(pctx, userID)
		}
		if err != nil {
			log.Warn().Err(err).Str(logger.FieldUserID, userID).Bool("online", online).Msg("presence update failed")
		}
	}
	defer router.Close()

	dir, closeDir, err := openUserDirectory(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("user directory init failed")
	}
	defer closeDir()

	blobs, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("attachment storage init failed")
	}

	chats := services.NewChatListAggregator(msgStore, listCache, dir)
	chat := services.NewChatService(msgStore, router, chats)
	chat.DeliverRetries = cfg.DeliverRetries
	chat.DeliverBackoff = cfg.DeliverBackoff()
	chat.Files = services.NewFileService(blobs, cfg.UploadPrefix, cfg.UploadMaxBytes())
	chat.Janitor = &services.AttachmentJanitor{Storage: blobs}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := mq.NewKafkaProducer(brokers, cfg.KafkaMessageEventsTopic)
		if err != nil {
			log.Warn().Err(err).Strs("brokers", brokers).Msg("kafka unavailable, attachment cleanup runs in-process")
		} else {
			chat.Events = producer
			defer producer.Close()
		}
	}

	dispatcher := &transport.Dispatcher{Chat: chat, Limiter: limiter}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(*log))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	if cfg.StorageDriver != "s3" {
		r.GET("/files/*key", httpapi.ServeBlob(blobs))
	}
	wsServer := &ws.Server{
		JWTSecret:       cfg.JWTSecret,
		Router:          router,
		Dispatcher:      dispatcher,
		WriteWait:       cfg.WSWriteWait(),
		PongWait:        cfg.WSPongWait(),
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		SendBuffer:      cfg.WSSendBuffer,
	}
	r.GET("/ws", wsServer.Handle)
	httpapi.NewDMHandler(chat, presence, limiter, cfg.UploadMaxBytes()).Register(r, cfg.JWTSecret)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	tcpServer := &tcp.Server{
		Addr:       cfg.TCPAddr,
		JWTSecret:  cfg.JWTSecret,
		Router:     router,
		Dispatcher: dispatcher,
		WriteWait:  cfg.WSWriteWait(),
		SendBuffer: cfg.WSSendBuffer,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("messageDB", cfg.MessageDB).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return tcpServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// 先断开长连接，再等待进行中的 HTTP 请求
		router.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server stopped")
}
