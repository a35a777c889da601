package db

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"gitlab.com/voxline/services/backend/internal/config"
	"gitlab.com/voxline/services/backend/internal/logger"
)

var log = logger.For("DB")

// DB bundles the optional backing stores. Either handle may be nil; callers
// degrade instead of failing.
type DB struct {
	Postgres *sql.DB
	Redis    *redis.Client
}

// NewDB opens Postgres (when DATABASE_URL is set) and Redis.
func NewDB(cfg *config.Config) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &DB{}

	if cfg.DatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		pg.SetMaxOpenConns(25)
		pg.SetMaxIdleConns(5)
		pg.SetConnMaxLifetime(5 * time.Minute)

		if err := pg.PingContext(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}

		log.Info("PostgreSQL connection established")
		d.Postgres = pg
	} else {
		log.Warn("DATABASE_URL not set (call event log and number lookup disabled)")
	}

	if cfg.RedisURL != "" {
		redisOpts, err := RedisOptions(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			log.WithError(err).Warn("Failed to parse Redis URL (continuing without Redis)")
		} else {
			rdb := redis.NewClient(redisOpts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.WithError(err).Warn("Failed to connect to Redis (continuing without Redis)")
				rdb.Close()
			} else {
				log.Info("Redis connection established")
				d.Redis = rdb
			}
		}
	}

	return d, nil
}

// RedisOptions accepts both "host:port" and redis:// / rediss:// URLs.
func RedisOptions(redisURL, password string) (*redis.Options, error) {
	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DB:           0,
	}

	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsedURL, err := url.Parse(redisURL)
		if err != nil {
			return nil, err
		}
		opts.Addr = parsedURL.Host
		if parsedURL.User != nil {
			opts.Username = parsedURL.User.Username()
			if pw, ok := parsedURL.User.Password(); ok {
				opts.Password = pw
			}
		}
		if parsedURL.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
		return opts, nil
	}

	opts.Addr = redisURL
	opts.Password = password
	return opts, nil
}

// Close closes all database connections
func (db *DB) Close() error {
	var errs []error

	if db.Postgres != nil {
		if err := db.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing databases: %v", errs)
	}

	return nil
}

// RunMigrations executes SQL migration files in order. It is a no-op
// without Postgres.
func (db *DB) RunMigrations(migrationsPath string) error {
	if db.Postgres == nil {
		return nil
	}

	log.Info("Running migrations...")

	_, err := db.Postgres.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	sort.Strings(files)

	for _, file := range files {
		version := filepath.Base(file)

		var exists bool
		err := db.Postgres.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}

		if exists {
			log.Debugf("Migration %s already applied, skipping", version)
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", version, err)
		}

		tx, err := db.Postgres.Begin()
		if err != nil {
			return fmt.Errorf("failed to start transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version) VALUES ($1)",
			version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}

		log.Infof("Applied migration: %s", version)
	}

	log.Info("All migrations completed successfully")
	return nil
}

// Health checks database health. Redis problems are logged, not returned.
func (db *DB) Health(ctx context.Context) error {
	if db.Postgres != nil {
		if err := db.Postgres.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres health check failed: %w", err)
		}
	}

	if db.Redis != nil {
		if err := db.Redis.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("Redis health check failed")
		}
	}

	return nil
}
