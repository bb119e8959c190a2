package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ayemen28191/Bot.v4-sub000/internal/api"
	"github.com/ayemen28191/Bot.v4-sub000/internal/audit"
	"github.com/ayemen28191/Bot.v4-sub000/internal/config"
	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/provider"
	"github.com/ayemen28191/Bot.v4-sub000/internal/repository"
	"github.com/ayemen28191/Bot.v4-sub000/internal/service"
	"github.com/ayemen28191/Bot.v4-sub000/internal/websocket"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database successfully")

	// Инициализация репозиториев
	keyRepo := repository.NewKeyRepository(db, []byte(cfg.Security.EncryptionKey))

	// Журнал аудита пишется через основной логгер
	auditSink := audit.NewZapSink(logger)

	// Инициализация сервисов
	keyService := service.NewKeyService(keyRepo, &cfg.Providers, auditSink, logger)

	sourceService := service.NewSourceService(&cfg.Registry, auditSink, logger)
	registerSources(sourceService, logger)

	// Адаптеры провайдеров
	adapters := make(map[string]provider.Adapter, len(provider.FallbackOrder))
	for _, name := range provider.FallbackOrder {
		adapter, ok := provider.New(name, cfg.Providers.RequestTimeout)
		if !ok {
			logger.Fatal("Unknown provider in fallback order", zap.String("provider", name))
		}
		adapters[name] = adapter
	}

	priceService := service.NewPriceService(
		adapters,
		keyService,
		sourceService,
		&cfg.Providers,
		auditSink,
		logger,
	)

	// Очередь реестра выполняет запросы через цепочку провайдеров
	sourceService.SetExecutor(priceService)

	// Инициализация WebSocket hub
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Фоновые циклы реестра: очередь запросов и восстановление здоровья
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sourceService.Start(ctx)

	// Ежедневный сброс счетчиков в полночь UTC
	go runDailyReset(ctx, keyService, logger)

	// Периодическая публикация снапшотов в дашборд
	go runDashboardFeed(ctx, hub, sourceService, keyService, cfg.Registry.HealthInterval)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		KeyService:        keyService,
		SourceService:     sourceService,
		PriceService:      priceService,
		Hub:               hub,
		Logger:            logger,
		AdminPasswordHash: cfg.Security.AdminPasswordHash,
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(deps)

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Останавливаем фоновые циклы и hub
	cancel()
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// registerSources регистрирует статический набор источников.
// Показатели здоровья дальше живут своей жизнью: их двигают исходы
// реальных запросов и фоновый цикл восстановления.
func registerSources(sourceService *service.SourceService, logger *zap.Logger) {
	// Стартовые rate limit'ы - публичные лимиты бесплатных тарифов.
	// Реальные значения дальше ведут заголовки ответов через RecordRateLimit.
	sources := []*models.DataSource{
		{
			ID:                 "binance",
			Name:               "Binance",
			Type:               models.SourceTypePrimary,
			Provider:           "binance",
			Priority:           1,
			Capabilities:       []string{models.RequestTypePrice, models.RequestTypeHistorical},
			Classes:            []models.ProviderClass{models.ClassCrypto},
			HealthScore:        100,
			RateLimitRemaining: 1200,
			RateLimitDefault:   1200,
		},
		{
			ID:                 "twelvedata",
			Name:               "TwelveData",
			Type:               models.SourceTypePrimary,
			Provider:           "twelvedata",
			Priority:           2,
			Capabilities:       []string{models.RequestTypePrice, models.RequestTypeIndicators, models.RequestTypeHistorical},
			Classes:            []models.ProviderClass{models.ClassCrypto, models.ClassForex, models.ClassEquity},
			HealthScore:        100,
			RateLimitRemaining: 800,
			RateLimitDefault:   800,
		},
		{
			ID:                 "alphavantage",
			Name:               "Alpha Vantage",
			Type:               models.SourceTypeFallback,
			Provider:           "alphavantage",
			Priority:           3,
			Capabilities:       []string{models.RequestTypePrice, models.RequestTypeIndicators},
			Classes:            []models.ProviderClass{models.ClassForex, models.ClassEquity},
			HealthScore:        100,
			RateLimitRemaining: 25,
			RateLimitDefault:   25,
		},
	}

	for _, src := range sources {
		if err := sourceService.Register(src); err != nil {
			logger.Fatal("Failed to register source", zap.String("source", src.ID), zap.Error(err))
		}
	}
}

// runDashboardFeed периодически рассылает подключенным дашбордам снапшоты
// показателей источников и наполненности пула ключей
func runDashboardFeed(
	ctx context.Context,
	hub *websocket.Hub,
	sourceService *service.SourceService,
	keyService *service.KeyService,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if hub.ClientCount() == 0 {
			continue
		}

		hub.BroadcastSourceUpdate(sourceService.Sources())

		stats, err := keyService.GetKeyStats()
		if err != nil {
			continue
		}
		available := make(map[string]int)
		total := make(map[string]int)
		for _, key := range stats {
			total[key.Provider]++
			if key.IsAvailable {
				available[key.Provider]++
			}
		}
		for provider, count := range total {
			hub.BroadcastKeyPoolUpdate(provider, available[provider], count)
		}
	}
}

// runDailyReset сбрасывает дневные счетчики ключей в полночь UTC
func runDailyReset(ctx context.Context, keyService *service.KeyService, logger *zap.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		affected, err := keyService.ResetFailedFlags()
		if err != nil {
			logger.Error("Daily key reset failed", zap.Error(err))
			continue
		}
		logger.Info("Daily key counters reset", zap.Int64("keys_affected", affected))
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
