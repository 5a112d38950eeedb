package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChannelGateway/global"
	"ChannelGateway/global/config"
	"ChannelGateway/logger"

	"github.com/gin-gonic/gin"
	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer logger.Sync()

	// 1) 配置: defaults < yaml < env < flags
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			fmt.Println(fe.Message)
			return 0
		}
		logger.Error("load config", zap.Error(err))
		return 2
	}
	logger.SetLevel(cfg.LogLevel)

	if cfg.MintToken != "" {
		token, exp, err := global.MintToken(cfg, cfg.MintToken)
		if err != nil {
			logger.Error("mint token", zap.Error(err))
			return 2
		}
		fmt.Println(token)
		fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
		return 0
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", zap.Error(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) redis / relay / presence
	rdb, err := global.ConfigRedis(ctx, cfg)
	if err != nil {
		logger.Error("redis unavailable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}
	rl, err := global.ConfigRelay(cfg, rdb, logger.Named("relay"))
	if err != nil {
		logger.Error("open relay", zap.String("driver", cfg.Relay.Driver), zap.Error(err))
		return 1
	}

	// 3) gateway
	gw := global.ConfigServer(cfg, rl, global.ConfigPresence(cfg, rdb), logger.Named("gateway"))
	gw.Start(ctx)

	// 4) HTTP + WebSocket
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	gw.Routes(r, global.ConfigAuth(cfg), cfg.InternalToken)

	hs := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.HTTPAddr), zap.String("node_id", cfg.NodeID))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// 5) 先关 websocket 再关 http
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(sctx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	if err := hs.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return 0
}
