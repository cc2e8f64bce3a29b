package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisLogger routes go-redis client diagnostics (reconnects, pool
// errors) into zerolog.
type RedisLogger struct {
	logger zerolog.Logger
}

func NewRedisLogger(logger zerolog.Logger) *RedisLogger {
	return &RedisLogger{
		logger: logger.With().Str("component", "redis-client").Logger(),
	}
}

func (a *RedisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	a.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// UseRedisLogger installs a RedisLogger as the process-wide go-redis logger.
func UseRedisLogger(logger zerolog.Logger) {
	redis.SetLogger(NewRedisLogger(logger))
}
