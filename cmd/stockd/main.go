// stockd - oversell-safe inventory purchase service
//
// Hot stock counters live in Redis (single endpoint or a Redlock quorum),
// the product registry and purchase ledger live in Postgres. Configuration
// is read from the environment; see stockd.LoadConfig.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/demandops/stockd"
)

func main() {
	cfg := stockd.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := stockd.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := stockd.NewPrometheusMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := stockd.NewPGStore(ctx, cfg, logger, metrics)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	redisClient := redis.NewClient(cfg.RedisOptions())
	defer redisClient.Close()

	locker := stockd.NewLocker(redisClient, cfg, logger, metrics)

	// Counter tier: a Redlock quorum when REDIS_NODES is set, otherwise the
	// single endpoint. The purchase saga is identical either way.
	var counter stockd.StockCounter
	var guard stockd.StockGuard
	if cfg.QuorumMode() {
		clients := make([]*redis.Client, 0, len(cfg.RedisNodes))
		for _, opts := range cfg.NodeOptions() {
			c := redis.NewClient(opts)
			defer c.Close()
			clients = append(clients, c)
		}
		redlock := stockd.NewRedlock(clients, cfg, logger, metrics)
		counter = redlock
		guard = redlock
		logger.Info("running in quorum mode", "nodes", len(cfg.RedisNodes))
	} else {
		stock := stockd.NewStockStore(redisClient, logger, metrics)
		counter = stock
		guard = stockd.NewSingleGuard(locker, stock)
		logger.Info("running in single-endpoint mode", "addr", cfg.RedisAddr)
	}

	products := stockd.NewProductService(store, counter, locker, logger, metrics)
	purchases := stockd.NewPurchaseService(store, store, counter, guard, logger, metrics)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.POST("/users", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Email    string `json:"email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := store.RegisterUser(c.Request.Context(), req.Username, req.Email)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	})

	router.POST("/products", func(c *gin.Context) {
		var req struct {
			Name        string `json:"name" binding:"required"`
			Description string `json:"description"`
			Price       int64  `json:"price" binding:"min=0"`
			Stock       int64  `json:"stock" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		product, err := products.CreateProduct(c.Request.Context(), req.Name, req.Description, req.Price, req.Stock)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	})

	router.GET("/products", func(c *gin.Context) {
		offset := queryInt(c, "offset", 0)
		limit := queryInt(c, "limit", 100)

		list, err := products.ListProducts(c.Request.Context(), offset, limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	})

	router.GET("/products/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		product, err := products.GetProduct(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})

	router.GET("/products/:id/stock", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		view, err := products.GetProductWithStock(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"product":     view.Product,
			"db_stock":    view.MirrorStock,
			"redis_stock": view.HotStock,
			"synced":      view.Synced,
		})
	})

	router.POST("/purchases", func(c *gin.Context) {
		userID, ok := buyerID(c)
		if !ok {
			return
		}

		var req struct {
			ProductID int64 `json:"product_id" binding:"required,gt=0"`
			Quantity  int64 `json:"quantity" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		purchase, err := purchases.Purchase(c.Request.Context(), userID, req.ProductID, req.Quantity)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, purchase)
	})

	router.GET("/purchases", func(c *gin.Context) {
		userID, ok := buyerID(c)
		if !ok {
			return
		}

		history, err := purchases.History(c.Request.Context(), userID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, history)
	})

	addr := ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("stockd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// buyerID reads the authenticated caller identity from the X-User-ID header.
// Authentication itself lives in front of this service; the edge only passes
// the resolved identity through.
func buyerID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID header"})
		return 0, false
	}
	return id, true
}

// abortWithError maps error kinds to HTTP statuses; one kind, one status.
func abortWithError(c *gin.Context, err error) {
	switch {
	case stockd.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, stockd.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case stockd.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryInt(c *gin.Context, name string, defaultVal int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
