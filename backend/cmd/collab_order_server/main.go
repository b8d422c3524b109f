package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/authz"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/httpapi/handlers"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/httpapi/middleware"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/store"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/ws"
)

type OrderCollabConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Authz struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"authz"`
	Collab struct {
		LockTTLSeconds   int `mapstructure:"lockTtlSeconds"`
		HeartbeatSeconds int `mapstructure:"heartbeatSeconds"`
		MissedHeartbeats int `mapstructure:"missedHeartbeats"`
		SaveDebounceMs   int `mapstructure:"saveDebounceMs"`
		SaveMaxRetry     int `mapstructure:"saveMaxRetry"`
	} `mapstructure:"collab"`
}

func initConfig() (*OrderCollabConfig, error) {
	cfg := &OrderCollabConfig{}
	v := viper.New()
	v.SetConfigName("orderCollabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis failed: %v", err)
	}
	defer rdb.Close()

	dsn := cfg.Mysql.DSN
	gdb, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}

	// 编辑流水走原生 SQL，单独开一条连接
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("open mysql (archive) failed: %v", err)
	}
	defer db.Close()

	// === 初始化 Kafka Producer ===
	// brokers 留空表示本环境不接事件总线，dispatcher 传 nil 即可
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl(100)
		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			kafkaSem,
			collab.KafkaDispatcherOptions{
				// Go 允许在数字里用下划线做分隔符，方便阅读
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	} else {
		log.Printf("kafka disabled (no brokers configured)")
	}

	presenceCache := cache.NewRedisPresence(rdb)
	orderStore := store.NewOrderStore(gdb)
	memberStore := store.NewMemberStore(gdb)
	editArchive := store.NewEditArchive(db)
	roster := cache.NewRosterCache(rdb, memberStore)

	// 鉴权：配了上游就问上游，没配用名册角色兜底
	var authzProvider collab.AuthzProvider
	if cfg.Authz.Path != "" {
		authzProvider = authz.NewHTTPAuthz(cfg.Authz.Path)
	} else {
		authzProvider = authz.NewRosterAuthz(roster)
	}

	heartbeat := time.Duration(cfg.Collab.HeartbeatSeconds) * time.Second
	engine := collab.NewEngine(presenceCache, orderStore, editArchive, authzProvider, dispatcher, collab.EngineOptions{
		LockTTL:            time.Duration(cfg.Collab.LockTTLSeconds) * time.Second,
		PresenceTTL:        heartbeat * time.Duration(cfg.Collab.MissedHeartbeats),
		PresenceSweepEvery: heartbeat,
		SaveDebounce:       time.Duration(cfg.Collab.SaveDebounceMs) * time.Millisecond,
		SaveMaxRetry:       cfg.Collab.SaveMaxRetry,
	})
	defer engine.Stop()

	wsSem := collab.NewSemaphoreControl(100)
	manager := ws.NewManager(engine, wsSem)
	orderHandler := handlers.NewOrderHandler(orderStore, memberStore, editArchive, presenceCache, engine)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 添加全局 CORS 中间件
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		// 不依赖 Cookie（token 都放 Authorization），这里建议 false，避免某些浏览器对 * / null 的限制
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	api := r.Group("/collab")
	// 挂鉴权中间件（会从 Authorization 或 ?token= 提取 token，写入 userId/username）
	api.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	{
		api.GET("/ws", manager.WebSocketConnect)

		api.POST("/orders", orderHandler.CreateOrder)
		api.GET("/orders/:orderId", orderHandler.GetOrder)
		api.GET("/orders/:orderId/lock", orderHandler.GetLockState)
		api.GET("/orders/:orderId/edits", orderHandler.GetEditLog)

		api.GET("/workspaces/:workspaceId/orders", orderHandler.ListOrders)
		api.GET("/workspaces/:workspaceId/presence", orderHandler.GetPresence)
		api.GET("/workspaces/:workspaceId/members", orderHandler.ListMembers)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
