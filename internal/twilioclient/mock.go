package twilioclient

import (
	"context"
	"fmt"
	"sync"
)

// MockClient records sends instead of calling Twilio. It is safe for
// concurrent use.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage

	// SendFunc, when set, decides the outcome of each send.
	SendFunc func(ctx context.Context, to, body string) (string, error)
}

// SentMessage is one recorded send.
type SentMessage struct {
	To   string
	Body string
	SID  string
}

// NewMockClient creates a MockClient that accepts every message.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// Send records the message and returns a synthetic SID.
func (m *MockClient) Send(ctx context.Context, to, body string) (string, error) {
	if m.SendFunc != nil {
		sid, err := m.SendFunc(ctx, to, body)
		if err != nil {
			return "", err
		}
		m.record(to, body, sid)
		return sid, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sid := fmt.Sprintf("SM%032d", len(m.SentMessages)+1)
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, SID: sid})
	return sid, nil
}

func (m *MockClient) record(to, body, sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, SID: sid})
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// Count returns the number of recorded messages.
func (m *MockClient) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentMessages)
}
