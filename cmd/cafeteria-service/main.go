package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/app"
	"github.com/vladislavdragonenkov/cafeteria/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.WithField("log_level", level).Warn("неизвестный уровень логирования, используем info")
		return
	}
	log.SetLevel(parsed)
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (fallback: "+app.EnvConfigPath+")")
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()

	build := version.Current()
	if *showVersion {
		fmt.Println(build)
		return
	}

	cfg, warnings, err := app.LoadConfig(*configPath, os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("не удалось загрузить конфигурацию")
	}
	setupLogger(cfg.LogLevel)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(build.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем CafeteriaService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("CafeteriaService остановлен")
}
