// Package fsm предоставляет конечный автомат для контроля жизненного
// цикла саг и других оркестрируемых процессов.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition возникает при попытке недопустимого перехода
var ErrInvalidTransition = errors.New("invalid state transition")

// Machine конечный автомат с фиксированным графом переходов.
// Граф собирается один раз через builder и далее неизменяем,
// текущее состояние защищено мьютексом.
type Machine struct {
	mu           sync.RWMutex
	currentState string
	initialState string
	transitions  map[string][]transition
	history      []TransitionRecord
	maxHistory   int
}

type transition struct {
	from   string
	to     string
	event  string
	guard  Guard
	action Action
}

// Guard проверяет допустимость перехода в текущем контексте
type Guard func(ctx context.Context, from, to string) (bool, error)

// Action выполняется при совершении перехода
type Action func(ctx context.Context, from, to string) error

// TransitionRecord запись истории переходов
type TransitionRecord struct {
	From      string
	To        string
	Event     string
	Timestamp time.Time
}

// Builder собирает граф переходов автомата
type Builder struct {
	initialState string
	transitions  []transition
	maxHistory   int
}

// NewBuilder создает построитель автомата с начальным состоянием
func NewBuilder(initialState string) *Builder {
	return &Builder{
		initialState: initialState,
		maxHistory:   64,
	}
}

// Permit разрешает переход from -> to по событию event
func (b *Builder) Permit(from, to, event string) *Builder {
	b.transitions = append(b.transitions, transition{from: from, to: to, event: event})
	return b
}

// PermitWithGuard разрешает переход с дополнительной проверкой
func (b *Builder) PermitWithGuard(from, to, event string, guard Guard) *Builder {
	b.transitions = append(b.transitions, transition{from: from, to: to, event: event, guard: guard})
	return b
}

// PermitWithAction разрешает переход с действием при его совершении
func (b *Builder) PermitWithAction(from, to, event string, action Action) *Builder {
	b.transitions = append(b.transitions, transition{from: from, to: to, event: event, action: action})
	return b
}

// WithMaxHistory ограничивает размер истории переходов
func (b *Builder) WithMaxHistory(max int) *Builder {
	b.maxHistory = max
	return b
}

// Build создает автомат в начальном состоянии
func (b *Builder) Build() *Machine {
	m := &Machine{
		currentState: b.initialState,
		initialState: b.initialState,
		transitions:  make(map[string][]transition),
		maxHistory:   b.maxHistory,
	}
	for _, t := range b.transitions {
		key := transitionKey(t.from, t.event)
		m.transitions[key] = append(m.transitions[key], t)
	}
	return m
}

// BuildAt создает автомат в указанном состоянии (восстановление)
func (b *Builder) BuildAt(state string) *Machine {
	m := b.Build()
	m.currentState = state
	return m
}

func transitionKey(from, event string) string {
	return from + ":" + event
}

// Current возвращает текущее состояние
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// Can проверяет возможность перехода по событию из текущего состояния
func (m *Machine) Can(ctx context.Context, event string) (bool, error) {
	m.mu.RLock()
	candidates := m.transitions[transitionKey(m.currentState, event)]
	current := m.currentState
	m.mu.RUnlock()

	for _, t := range candidates {
		if t.guard == nil {
			return true, nil
		}
		ok, err := t.guard(ctx, current, t.to)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Fire выполняет переход по событию. Возвращает ErrInvalidTransition
// если ни один переход из текущего состояния не разрешен.
func (m *Machine) Fire(ctx context.Context, event string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.transitions[transitionKey(m.currentState, event)]
	if len(candidates) == 0 {
		return m.currentState, fmt.Errorf("%w: no transition from %s on %s",
			ErrInvalidTransition, m.currentState, event)
	}

	for _, t := range candidates {
		if t.guard != nil {
			ok, err := t.guard(ctx, m.currentState, t.to)
			if err != nil {
				return m.currentState, fmt.Errorf("guard check failed: %w", err)
			}
			if !ok {
				continue
			}
		}

		if t.action != nil {
			if err := t.action(ctx, m.currentState, t.to); err != nil {
				return m.currentState, fmt.Errorf("transition action failed: %w", err)
			}
		}

		from := m.currentState
		m.currentState = t.to
		m.recordTransition(from, t.to, event)
		return m.currentState, nil
	}

	return m.currentState, fmt.Errorf("%w: transition from %s on %s rejected by guard",
		ErrInvalidTransition, m.currentState, event)
}

// IsTerminal сообщает, есть ли переходы из текущего состояния
func (m *Machine) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := m.currentState + ":"
	for key := range m.transitions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return false
		}
	}
	return true
}

// History возвращает копию истории переходов
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}

// Reset возвращает автомат в начальное состояние
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentState = m.initialState
	m.history = m.history[:0]
}

func (m *Machine) recordTransition(from, to, event string) {
	if m.maxHistory <= 0 {
		return
	}
	m.history = append(m.history, TransitionRecord{
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: time.Now().UTC(),
	})
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}
