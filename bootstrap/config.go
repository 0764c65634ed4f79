package bootstrap

import (
	"fmt"
	"os"

	"threatwatch/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
// The returned level can be changed at runtime.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, zap.AtomicLevel) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // Readable timestamps
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder      // Short file paths

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), level
}

// SetLogLevel applies a level name such as "debug" or "warn"
func SetLogLevel(level zap.AtomicLevel, name string) error {
	if name == "" {
		return nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(lvl)
	return nil
}

// InitConfig loads the configuration into a reloadable manager and keeps
// the log level in step with it
func InitConfig(path string, level zap.AtomicLevel, sugar *zap.SugaredLogger) (*config.Manager, error) {
	manager, err := config.NewManager(path, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := manager.Current()
	if err := SetLogLevel(level, cfg.Logging.Level); err != nil {
		return nil, err
	}
	manager.OnChange(func(next *config.Config) (func(), error) {
		var lvl zapcore.Level
		if next.Logging.Level != "" {
			if err := lvl.UnmarshalText([]byte(next.Logging.Level)); err != nil {
				return nil, fmt.Errorf("invalid log level %q: %w", next.Logging.Level, err)
			}
		} else {
			lvl = zapcore.InfoLevel
		}
		return func() { level.SetLevel(lvl) }, nil
	})

	sugar.Infow("Config loaded",
		"sqlite_path", cfg.Storage.SQLitePath,
		"alert_backend", cfg.Storage.AlertBackend,
		"nats_enabled", cfg.NATS.Enabled,
		"api_enabled", cfg.API.Enabled,
		"secrets_provider", cfg.Secrets.Provider,
		"log_level", level.Level().String())

	return manager, nil
}
