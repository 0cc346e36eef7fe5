// Package fsm предоставляет таблицу допустимых переходов между состояниями.
// Используется жизненными циклами саг и DLQ записей: переход проверяется
// по таблице до записи в хранилище.
package fsm

import (
	"fmt"
)

// Machine таблица переходов над произвольным типом состояния.
// После построения таблица неизменяема и безопасна для конкурентного чтения.
type Machine[S comparable] struct {
	transitions map[S]map[S]bool
}

// New создает пустую таблицу переходов
func New[S comparable]() *Machine[S] {
	return &Machine[S]{
		transitions: make(map[S]map[S]bool),
	}
}

// Permit разрешает переходы из состояния from в каждое из to.
// Возвращает тот же Machine для цепочки вызовов.
func (m *Machine[S]) Permit(from S, to ...S) *Machine[S] {
	targets, ok := m.transitions[from]
	if !ok {
		targets = make(map[S]bool)
		m.transitions[from] = targets
	}
	for _, t := range to {
		targets[t] = true
	}
	return m
}

// Can проверяет, разрешен ли переход from -> to
func (m *Machine[S]) Can(from, to S) bool {
	return m.transitions[from][to]
}

// Transition проверяет переход и возвращает ошибку, если он не разрешен
func (m *Machine[S]) Transition(from, to S) error {
	if !m.Can(from, to) {
		return fmt.Errorf("transition %v -> %v is not permitted", from, to)
	}
	return nil
}

// IsTerminal проверяет, что из состояния нет исходящих переходов
func (m *Machine[S]) IsTerminal(state S) bool {
	return len(m.transitions[state]) == 0
}
