// Package logging предоставляет структурированное логирование на основе zerolog.
package logging

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// New создает новый логгер с именем сервиса
func New(serviceName string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Nop возвращает логгер, отбрасывающий все записи (для тестов)
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// WithContext помещает логгер в контекст
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx возвращает логгер из контекста или глобальный логгер по умолчанию
func Ctx(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return &logger
	}
	logger := New("anchor")
	return &logger
}
