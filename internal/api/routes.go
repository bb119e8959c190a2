package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ayemen28191/Bot.v4-sub000/internal/api/handlers"
	"github.com/ayemen28191/Bot.v4-sub000/internal/api/middleware"
	"github.com/ayemen28191/Bot.v4-sub000/internal/service"
	"github.com/ayemen28191/Bot.v4-sub000/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	KeyService    *service.KeyService
	SourceService *service.SourceService
	PriceService  *service.PriceService
	Hub           *websocket.Hub
	Logger        *zap.Logger

	// bcrypt хеш пароля администратора. Пустой хеш отключает
	// административные маршруты.
	AdminPasswordHash string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Назначение:
// Центральное место для определения всех API endpoints.
// Регистрирует handlers для каждого маршрута.
// Применяет middleware к группам маршрутов.
// Организует версионирование API (v1).
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /price - GET текущая цена символа (query параметр symbol)
//	├── /data - GET запрос данных через очередь реестра
//	├── /sources - GET снапшот показателей источников
//	├── /keys/ (admin)
//	│   ├── GET / - статистика всех ключей
//	│   ├── POST / - добавить ключ
//	│   ├── GET /{provider} - доступные ключи провайдера
//	│   ├── POST /{id}/fail - пометить ключ упавшим
//	│   └── POST /reset - сброс дневных счетчиков
//	└── /sources/{id}/disable - POST (admin) отключить источник
//
// /ws - WebSocket для real-time обновлений
// /metrics - Prometheus метрики
// /health - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. AdminAuth (только для административных маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	logger := zap.NewNop()
	if deps != nil && deps.Logger != nil {
		logger = deps.Logger
	}

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS)

	// Создание handlers с внедрением зависимостей
	var keyHandler *handlers.KeyHandler
	if deps != nil && deps.KeyService != nil {
		keyHandler = handlers.NewKeyHandler(deps.KeyService)
	}

	var sourceHandler *handlers.SourceHandler
	if deps != nil && deps.SourceService != nil {
		sourceHandler = handlers.NewSourceHandler(deps.SourceService)
	}

	var priceHandler *handlers.PriceHandler
	if deps != nil && deps.PriceService != nil {
		// Hub может отсутствовать (тесты) - handler это переживает
		var broadcaster handlers.PriceBroadcaster
		if deps.Hub != nil {
			broadcaster = deps.Hub
		}
		priceHandler = handlers.NewPriceHandler(deps.PriceService, broadcaster)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Публичные маршруты
	if priceHandler != nil {
		api.HandleFunc("/price", priceHandler.GetPrice).Methods("GET")
	}
	if sourceHandler != nil {
		api.HandleFunc("/sources", sourceHandler.GetSources).Methods("GET")
		api.HandleFunc("/data", sourceHandler.RequestData).Methods("GET")
	}

	// Административные маршруты под Basic Auth
	admin := api.PathPrefix("").Subrouter()
	adminHash := ""
	if deps != nil {
		adminHash = deps.AdminPasswordHash
	}
	admin.Use(middleware.AdminAuth(adminHash))

	if keyHandler != nil {
		admin.HandleFunc("/keys", keyHandler.GetKeys).Methods("GET")
		admin.HandleFunc("/keys", keyHandler.AddKey).Methods("POST")
		admin.HandleFunc("/keys/reset", keyHandler.ResetKeys).Methods("POST")
		admin.HandleFunc("/keys/{provider}", keyHandler.GetProviderKeys).Methods("GET")
		admin.HandleFunc("/keys/{id}/fail", keyHandler.MarkFailed).Methods("POST")
	}
	if sourceHandler != nil {
		admin.HandleFunc("/sources/{id}/disable", sourceHandler.DisableSource).Methods("POST")
	}

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		})
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
