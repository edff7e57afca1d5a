package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"payment-service/cache"
	"payment-service/controller"
	"payment-service/gateway"
	"payment-service/kafka"
	"payment-service/middleware"
	"payment-service/model"
	"payment-service/routes"
	"payment-service/statemachine"
	"payment-service/store"
	"payment-service/sweeper"
)

type Config struct {
	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"postgres"`
	Gateway struct {
		BaseURL   string `mapstructure:"base_url"`
		ServerKey string `mapstructure:"server_key"`
	} `mapstructure:"gateway"`
	Kafka struct {
		Broker string `mapstructure:"broker"`
	} `mapstructure:"kafka"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	App struct {
		Port           int    `mapstructure:"port"`
		UserServiceURL string `mapstructure:"user_service_url"`
		SweepInterval  int    `mapstructure:"sweep_interval"`  // seconds
		ExpiryMinutes  int    `mapstructure:"expiry_minutes"`  // payment deadline window
	} `mapstructure:"app"`
}

func loadConfig() Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "paymentdb")
	viper.SetDefault("gateway.base_url", "https://api.sandbox.midtrans.com")
	viper.SetDefault("kafka.broker", "kafka:9092")
	viper.SetDefault("redis.addr", "redis:6379")
	viper.SetDefault("app.port", 3009)
	viper.SetDefault("app.user_service_url", "http://user-service:3001")
	viper.SetDefault("app.sweep_interval", 60)
	viper.SetDefault("app.expiry_minutes", 15)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("no config file, using defaults and env: %v", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatal("failed to parse config:", err)
	}
	if cfg.Gateway.ServerKey == "" {
		log.Fatal("gateway.server_key is required")
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Postgres.Host, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Port)
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect payment db:", err)
	}

	if err := gormDB.AutoMigrate(&model.Transaction{}, &model.TransactionAudit{}); err != nil {
		log.Fatal(err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB from gorm:", err)
	}

	st := store.New(sqlDB)
	producer := kafka.NewProducer(cfg.Kafka.Broker)
	statusCache := cache.Connect(cfg.Redis.Addr)

	machine := statemachine.New(st, producer, statusCache, logger)
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.ServerKey, logger)
	verifier := gateway.NewSignatureVerifier(cfg.Gateway.ServerKey)

	pc := controller.NewPaymentController(
		st, gw, machine, statusCache, verifier, logger,
		time.Duration(cfg.App.ExpiryMinutes)*time.Minute,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(st, gw, machine, logger, time.Duration(cfg.App.SweepInterval)*time.Second)
	go sw.Run(ctx)

	app := fiber.New()
	app.Use(fiberlogger.New())

	authClient := &http.Client{Timeout: 5 * time.Second}
	routes.RegisterPaymentRoutes(app, pc, middleware.AuthRequired(cfg.App.UserServiceURL, authClient, logger))

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	log.Println("HTTP server running on", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatal("fiber error:", err)
	}
}
