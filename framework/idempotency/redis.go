// Package idempotency предоставляет Redis реализацию Store.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/anchor/framework/core"
)

// RedisConfig конфигурация Redis хранилища резервирований
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	KeyPrefix  string
	// OperationTimeout ограничивает время одного обращения к Redis
	OperationTimeout time.Duration
	// FailurePolicy определяет поведение при недоступности Redis
	FailurePolicy FailurePolicy
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OperationTimeout must be greater than 0")
	}
	switch c.FailurePolicy {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("unknown failure policy: %s", c.FailurePolicy)
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:             "localhost:6379",
		PoolSize:         10,
		MaxRetries:       3,
		KeyPrefix:        "idem",
		OperationTimeout: 2 * time.Second,
		FailurePolicy:    FailClosed,
	}
}

// reserveScript атомарно проверяет и создает резервирование.
// Возвращает существующую запись или пустую строку, если резервирование создано.
var reserveScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// completeScript переводит Reserved в Completed с новым TTL
var completeScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
  return 0
end
local decoded = cjson.decode(existing)
if decoded['status'] ~= 'reserved' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// releaseScript удаляет запись только в состоянии Reserved
var releaseScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
  return 1
end
local decoded = cjson.decode(existing)
if decoded['status'] == 'reserved' then
  redis.call('DEL', KEYS[1])
end
return 1
`)

type storedRecord struct {
	Status string `json:"status"`
	Result []byte `json:"result,omitempty"`
}

// RedisStore распределенная реализация Store поверх Redis.
// Атомарность check-and-reserve обеспечивается Lua-скриптом,
// истечение срока - нативным PX.
type RedisStore struct {
	config RedisConfig
	client *redis.Client
}

// NewRedisStore создает новое Redis хранилище резервирований
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		config: config,
		client: client,
	}, nil
}

// Close закрывает подключение к Redis
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Name возвращает имя компонента (реализация core.Component)
func (s *RedisStore) Name() string {
	return "idempotency-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *RedisStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck проверяет доступность Redis (реализация core.HealthCheckable)
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(fingerprint string) string {
	return fmt.Sprintf("%s:%s", s.config.KeyPrefix, fingerprint)
}

func (s *RedisStore) TryReserve(ctx context.Context, fingerprint string, ttl time.Duration) (Reservation, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	reserved, err := json.Marshal(storedRecord{Status: string(StatusReserved)})
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to marshal reservation: %w", err)
	}

	result, err := reserveScript.Run(opCtx, s.client, []string{s.key(fingerprint)}, string(reserved), ttl.Milliseconds()).Text()
	if err != nil {
		return s.onUnavailable(fingerprint, err)
	}

	if result == "" {
		return Reservation{Status: StatusReserved}, nil
	}

	var existing storedRecord
	if err := json.Unmarshal([]byte(result), &existing); err != nil {
		return Reservation{}, fmt.Errorf("corrupt reservation record for %s: %w", fingerprint, err)
	}

	if existing.Status == string(StatusCompleted) {
		return Reservation{Status: StatusCompleted, Result: existing.Result}, nil
	}
	return Reservation{Status: StatusAlreadyReserved}, nil
}

func (s *RedisStore) Complete(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	completed, err := json.Marshal(storedRecord{Status: string(StatusCompleted), Result: result})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	ok, err := completeScript.Run(opCtx, s.client, []string{s.key(fingerprint)}, string(completed), ttl.Milliseconds()).Int()
	if err != nil {
		return core.WrapWithCode(err, core.ErrUnavailable)
	}
	if ok == 0 {
		return errNotReserved(fingerprint)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, fingerprint string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	if err := releaseScript.Run(opCtx, s.client, []string{s.key(fingerprint)}).Err(); err != nil {
		return core.WrapWithCode(err, core.ErrUnavailable)
	}
	return nil
}

// onUnavailable применяет настроенную политику при недоступности хранилища
func (s *RedisStore) onUnavailable(fingerprint string, err error) (Reservation, error) {
	if s.config.FailurePolicy == FailOpen {
		// Допускаем выполнение без защиты от дублей
		return Reservation{Status: StatusReserved}, nil
	}
	return Reservation{}, core.Wrap(err, core.ErrUnavailable,
		fmt.Sprintf("idempotency store unavailable for %s", fingerprint))
}
