package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock records sends in memory. Tests can script failures per phone number.
type Mock struct {
	mu    sync.Mutex
	seq   int
	sent  []MockMessage
	fail  map[string]error
	delay int
}

// MockMessage is one captured send.
type MockMessage struct {
	To   string
	Body string
}

func NewMock() *Mock {
	return &Mock{fail: make(map[string]error)}
}

// FailWith makes sends to phone return err.
func (m *Mock) FailWith(phone string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[phone] = err
}

// FailNTimes makes the next n sends to phone fail transiently, then succeed.
func (m *Mock) FailNTimes(phone string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[phone] = &SendError{Code: "scripted_transient"}
	m.delay = n
}

func (m *Mock) Send(_ context.Context, toPhone, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.fail[toPhone]; ok {
		if m.delay > 0 {
			m.delay--
			if m.delay == 0 {
				delete(m.fail, toPhone)
			}
			return "", err
		}
		return "", err
	}

	m.seq++
	m.sent = append(m.sent, MockMessage{To: toPhone, Body: body})
	return fmt.Sprintf("mock-%d", m.seq), nil
}

// Sent returns a copy of the captured messages.
func (m *Mock) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
