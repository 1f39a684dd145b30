package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"drocsid-backend/internal/database"
	"drocsid-backend/internal/handlers"
	"drocsid-backend/internal/hub"
	"drocsid-backend/internal/invite"
	"drocsid-backend/internal/keyValue"
	"drocsid-backend/internal/models"
	"drocsid-backend/internal/snowflake"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func setupLogger(cfg *models.ConfigFile) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()

	config.OutputPaths = []string{"stdout"}
	if cfg.LogToFile {
		config.OutputPaths = append(config.OutputPaths, "app.log")
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

func readConfigFile() (models.ConfigFile, error) {
	var cfg models.ConfigFile

	configFile, err := os.Open("config.json")
	if err != nil {
		return cfg, err
	}
	defer configFile.Close()

	bytes, err := io.ReadAll(configFile)
	if err != nil {
		return cfg, err
	}

	err = json.Unmarshal(bytes, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setupRedis(cfg *models.ConfigFile) (*redis.Client, error) {
	address := cfg.RedisAddress
	if address == "" {
		address = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	err := rdb.Ping(context.Background()).Err()
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

func main() {
	fmt.Println("Reading config file...")
	cfg, err := readConfigFile()
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("Setting up logger...")
	sugar, err := setupLogger(&cfg)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("Connecting to database...")
	db, err := database.Setup(&cfg)
	if err != nil {
		sugar.Fatal(err)
	}

	var redisClient *redis.Client
	if !cfg.SelfContained {
		fmt.Println("Connecting to redis...")
		redisClient, err = setupRedis(&cfg)
		if err != nil {
			sugar.Fatal(err)
		}
	}

	store := keyValue.NewStore(sugar, redisClient, cfg.SelfContained)
	defer store.Close()

	ledger := invite.NewLedger(sugar, store)

	idGen, err := snowflake.NewGenerator(cfg.SnowflakeWorkerID)
	if err != nil {
		sugar.Fatal(err)
	}

	relay := hub.NewHub(sugar, db, idGen, ledger)
	defer relay.Close()

	if err := relay.LoadServers(); err != nil {
		sugar.Fatal(err)
	}

	isHttps := cfg.TlsCert != "" && cfg.TlsKey != ""

	var httpProtocol string
	if isHttps {
		httpProtocol = "https"
	} else {
		httpProtocol = "http"
	}

	fmt.Printf("Relay is running on %s://%s:%s\n", httpProtocol, cfg.Address, cfg.Port)

	err = handlers.Setup(isHttps, &cfg, sugar, relay)
	if err != nil {
		sugar.Fatal(err)
	}
}
