package handler

import (
	"electricity-vending/internal/adapter/http/middleware"
	redisStore "electricity-vending/internal/adapter/storage/redis"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PurchaseSvc    ports.PurchaseService
	DeliverySvc    ports.DeliveryService
	MeterSvc       ports.MeterService
	SigSvc         ports.SignatureService
	NonceStore     ports.NonceStore // nil = timestamp window only
	TokenSvc       ports.TokenService
	CallbackSecret string
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Metrics        *metrics.Metrics    // nil = no HTTP metrics
	Gatherer       prometheus.Gatherer // nil = /metrics not served
	MetricsPath    string
	TokenGroupSize int
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Gateway callbacks (HMAC) ---
	paymentHandler := NewPaymentHandler(deps.PurchaseSvc)
	callbackAuth := middleware.CallbackAuth(deps.CallbackSecret, deps.SigSvc, deps.NonceStore, deps.Logger)
	v1.POST("/payments/callback", rl("callbacks"), callbackAuth, paymentHandler.Callback)

	// --- Customer API (JWT) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	purchaseHandler := NewPurchaseHandler(deps.PurchaseSvc, deps.DeliverySvc, deps.TokenGroupSize)
	purchases := v1.Group("/purchases", jwtAuth)
	{
		purchases.POST("", rl("purchases"), purchaseHandler.CreatePurchase)
		purchases.GET("/:id", rl("reads"), purchaseHandler.GetPurchase)
		purchases.POST("/:id/delivery/retry", rl("delivery"), purchaseHandler.RetryDelivery)
		purchases.POST("/:id/token/use", rl("tokens"), purchaseHandler.UseToken)
		purchases.POST("/:id/refund", middleware.RequireRole(ports.RoleAdmin), rl("refunds"), purchaseHandler.ProcessRefund)
	}

	meterHandler := NewMeterHandler(deps.MeterSvc)
	meters := v1.Group("/meters", jwtAuth)
	{
		meters.GET("/:id/balance", rl("reads"), meterHandler.GetBalance)
	}

	return r
}
