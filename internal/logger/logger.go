package logger

import (
	"os"

	"coupon-system/internal/config"

	"github.com/sirupsen/logrus"
)

// Logger оборачивает logrus с настройками приложения.
type Logger struct {
	*logrus.Logger
}

// New создаёт логгер по конфигурации.
func New(cfg *config.LoggerConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.WithError(err).Warn("Failed to open log file, using stderr")
		}
	}

	return &Logger{Logger: log}
}
