package main

import (
	"github.com/rs/zerolog/log"

	"messenger/internal/config"
	"messenger/internal/db"
	clog "messenger/internal/log"
	"messenger/internal/presence"
	"messenger/internal/ratelimit"
	"messenger/internal/server"
	"messenger/internal/service"
	"messenger/internal/ws"
)

func main() {
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	pres, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("presence store")
	}
	defer pres.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Window:     cfg.RateWindow,
		WindowCap:  cfg.RateWindowCap,
		BurstWin:   cfg.RateBurstWin,
		BurstCap:   cfg.RateBurstCap,
		Penalty:    cfg.RatePenalty,
		MaxEntries: cfg.RateMaxEntries,
		SweepEvery: cfg.RateSweepEvery,
	}, ratelimit.NewMemoryStore())
	limiter.Run()
	defer limiter.Stop()

	hub := ws.NewHub()

	userSvc := service.NewUserService(gdb, hub, pres, cfg)
	convSvc := service.NewConversationService(gdb, hub, pres, cfg)
	msgSvc := service.NewMessageService(gdb, hub, limiter, cfg)
	eventHandler := service.NewEventHandler(gdb, msgSvc)
	handler := server.NewHandler(userSvc, convSvc, msgSvc)

	r := server.SetupRouter(cfg, gdb, hub, pres, handler, convSvc, eventHandler)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
