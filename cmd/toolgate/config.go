package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quailyquaily/toolgate/confirm"
	"github.com/quailyquaily/toolgate/internal/pathutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

func ledgerFromViper(log *slog.Logger) (confirm.Ledger, error) {
	backend := strings.ToLower(strings.TrimSpace(viper.GetString("ledger.backend")))
	switch backend {
	case "", "sqlite":
		dsn, err := resolveSQLiteDSN(viper.GetString("ledger.dsn"))
		if err != nil {
			return nil, err
		}
		l, err := confirm.NewSQLiteLedger(dsn)
		if err != nil {
			return nil, err
		}
		log.Info("ledger_sqlite", "dsn", dsn)
		return l, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(viper.GetString("ledger.redis.addr")),
			Password: viper.GetString("ledger.redis.password"),
			DB:       viper.GetInt("ledger.redis.db"),
		})
		opts := []confirm.RedisOption{}
		if prefix := strings.TrimSpace(viper.GetString("ledger.redis.prefix")); prefix != "" {
			opts = append(opts, confirm.WithRedisPrefix(prefix))
		}
		log.Info("ledger_redis", "addr", viper.GetString("ledger.redis.addr"))
		return confirm.NewRedisLedger(rdb, opts...), nil
	case "memory":
		log.Warn("ledger_memory", "note", "tokens do not survive restarts")
		return confirm.NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger.backend: %s", backend)
	}
}

func serviceFromViper(ledger confirm.Ledger, log *slog.Logger) *confirm.Service {
	opts := []confirm.Option{confirm.WithLogger(log)}

	if d := viper.GetDuration("confirm.pending_ttl"); d > 0 {
		opts = append(opts, confirm.WithPendingTTL(d))
	}
	if d := viper.GetDuration("confirm.consume_window"); d > 0 {
		opts = append(opts, confirm.WithConsumeWindow(d))
	}

	if sink := auditFromViper(log); sink != nil {
		opts = append(opts, confirm.WithAudit(sink))
	}

	return confirm.NewService(ledger, opts...)
}

func auditFromViper(log *slog.Logger) confirm.AuditSink {
	jsonlPath := strings.TrimSpace(viper.GetString("audit.jsonl_path"))
	if jsonlPath == "" {
		return nil
	}
	jsonlPath = pathutil.ExpandHomePath(jsonlPath)

	sink, err := confirm.NewJSONLAuditSink(jsonlPath, viper.GetInt64("audit.rotate_max_bytes"))
	if err != nil {
		log.Warn("audit_sink_error", "error", err.Error())
		return nil
	}
	log.Info("audit_enabled", "jsonl_path", jsonlPath)
	return sink
}

func sweepIntervalFromViper() time.Duration {
	if d := viper.GetDuration("confirm.sweep_interval"); d > 0 {
		return d
	}
	return time.Minute
}

func resolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("cannot resolve default sqlite path: %v", err)
		}
		dsn = filepath.Join(home, ".toolgate", "confirmations.db")
	}
	dsn = pathutil.ExpandHomePath(dsn)
	if err := pathutil.EnsureParentDir(dsn); err != nil {
		return "", err
	}
	return dsn, nil
}
