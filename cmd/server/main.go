package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coide/internal/api"
	"coide/internal/config"
	"coide/internal/exec"
	"coide/internal/realtime"
	"coide/internal/routers"
	mongostore "coide/internal/store/mongo"
	"coide/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := utils.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		logger = utils.NewLogger()
		logger.Warn("invalid log level, using info", "level", cfg.LogLevel, "error", err)
	}
	defer func() { _ = logger.Sync() }()
	lifecycle := logger.Zap()

	opts := realtime.Options{
		SyncDelay:  cfg.SyncDelay,
		EvictGrace: cfg.EvictGrace,
	}
	var (
		users     utils.UserLookup
		directory api.RoomDirectory
	)

	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mongostore.NewClient(connectCtx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			cancel()
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			_ = client.Close(closeCtx)
		}()

		roomRepo, err := mongostore.NewRoomRepo(connectCtx, client)
		if err != nil {
			cancel()
			return fmt.Errorf("init room repo: %w", err)
		}
		fileRepo, err := mongostore.NewFileRepo(connectCtx, client)
		if err != nil {
			cancel()
			return fmt.Errorf("init file repo: %w", err)
		}
		userRepo, err := mongostore.NewUserRepo(client)
		cancel()
		if err != nil {
			return fmt.Errorf("init user repo: %w", err)
		}
		opts.Rooms, opts.Files = roomRepo, fileRepo
		users, directory = userRepo, roomRepo
		lifecycle.Info("persistence enabled", zap.String("db", cfg.MongoDB))
	} else {
		lifecycle.Warn("MONGO_URI not set; room state will not be persisted")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		fanout := realtime.NewRedisFanout(rdb, cfg.FanoutChannel, logger)
		opts.Fanout = fanout
		lifecycle.Info("cross-instance fanout enabled",
			zap.String("channel", cfg.FanoutChannel),
			zap.String("instance", fanout.InstanceID()))
	}

	router := realtime.NewRouter(logger, opts)
	routerCtx, stopRouter := context.WithCancel(context.Background())
	routerDone := make(chan struct{})
	var routerErr error
	go func() {
		routerErr = router.Run(routerCtx)
		close(routerDone)
	}()
	defer func() {
		stopRouter()
		<-routerDone
	}()

	janitor := realtime.NewJanitor(router, cfg.EvictSchedule, logger)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	judge := exec.NewJudgeClient(exec.JudgeConfig{
		URL:          cfg.JudgeURL,
		APIKey:       cfg.JudgeAPIKey,
		APIHost:      cfg.JudgeAPIHost,
		PollInterval: cfg.JudgePollInterval,
	})
	rtc := utils.ICEConfiguration(cfg.STUNServers, cfg.TURNURL, cfg.TURNUsername, cfg.TURNPassword)
	verifier := utils.NewJWTVerifier([]byte(cfg.JWTSecret), users)

	gw := api.NewGateway(logger, router, verifier, api.GatewayConfig{
		AllowedOrigins:    cfg.AllowedOrigins,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})
	h := api.NewHandlers(logger, router, judge, directory, rtc)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           routers.New(h, gw, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(srv) }()
	lifecycle.Info("realtime server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-routerDone:
		if routerErr != nil {
			return fmt.Errorf("event router stopped: %w", routerErr)
		}
		return errors.New("event router stopped")
	case <-ctx.Done():
		lifecycle.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func defaultExit(err error) {
	log.Printf("realtime server exited: %v", err)
	exit(1)
}
