package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kian-m/ConsultantAppBack/internal/config"
	"github.com/kian-m/ConsultantAppBack/internal/handlers"
	"github.com/kian-m/ConsultantAppBack/internal/middleware"
	"github.com/kian-m/ConsultantAppBack/internal/realtime"
	"github.com/kian-m/ConsultantAppBack/internal/repository"
	"github.com/kian-m/ConsultantAppBack/internal/services"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, redisClient *redis.Client) *realtime.Broker {
	userRepo := repository.NewUserRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	var storageService services.StorageService
	if cfg.SupabaseURL != "" && cfg.SupabaseBucket != "" && cfg.SupabaseServiceKey != "" {
		storageService = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	broker := realtime.NewBroker(redisClient)
	go broker.Run()

	messagingService := services.NewMessagingService(db, conversationRepo, messageRepo, userRepo, broker)

	authHandler := handlers.NewAuthHandler(db, userRepo, profileRepo, cfg.JWTSecret)
	profileHandler := handlers.NewProfileHandler(profileRepo, storageService)
	messagingHandler := handlers.NewMessagingHandler(messagingService, broker, cfg.JWTSecret)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	profile := authProtected.Group("/profile")
	profile.Get("", profileHandler.GetProfile)
	profile.Put("", profileHandler.UpdateProfile)
	profile.Post("/avatar", profileHandler.UploadAvatar)

	conversations := authProtected.Group("/conversations")
	conversations.Get("", messagingHandler.ListConversations)
	conversations.Post("", messagingHandler.CreateConversation)
	conversations.Get("/:id/messages", messagingHandler.GetMessages)
	conversations.Post("/:id/messages", messagingHandler.SendMessage)
	conversations.Post("/:id/read", messagingHandler.MarkConversationRead)

	authProtected.Get("/messages/unread-count", messagingHandler.GetUnreadCount)

	api.Use("/v1/ws", messagingHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(messagingHandler.HandleWebSocket))

	return broker
}
