package testutil

import (
	"context"
	"sync"

	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// MockSearchClient is a scriptable SearchClient that records every call.
// Zero value behaves as an always-succeeding service returning no hits.
type MockSearchClient struct {
	mu sync.Mutex

	SearchResponse *searchclient.SearchResponse
	SearchErr      error
	EmbedErr       error
	CreateErr      error
	DeleteErr      error

	SearchCalls []searchclient.SearchRequest
	EmbedCalls  []searchclient.EmbedRequest
	CreateCalls [][2]int64 // {userID, folderID}
	DeleteCalls [][2]int64
}

var _ searchclient.SearchClient = (*MockSearchClient)(nil)

func (m *MockSearchClient) Name() string { return "mock" }

func (m *MockSearchClient) Search(ctx context.Context, req searchclient.SearchRequest) (*searchclient.SearchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, req)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResponse != nil {
		return m.SearchResponse, nil
	}
	return &searchclient.SearchResponse{Results: []searchclient.SearchHit{}}, nil
}

func (m *MockSearchClient) EmbedImages(ctx context.Context, req searchclient.EmbedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmbedCalls = append(m.EmbedCalls, req)
	return m.EmbedErr
}

func (m *MockSearchClient) CreateIndex(ctx context.Context, userID, folderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, [2]int64{userID, folderID})
	return m.CreateErr
}

func (m *MockSearchClient) DeleteIndex(ctx context.Context, userID, folderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, [2]int64{userID, folderID})
	return m.DeleteErr
}

// EmbedCallCount returns the number of EmbedImages calls seen so far.
func (m *MockSearchClient) EmbedCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EmbedCalls)
}

// MockPublisher records published events and invokes subscribed handlers
// synchronously, which keeps event-driven assertions deterministic.
type MockPublisher struct {
	mu       sync.Mutex
	Events   []domain.Event
	handlers map[domain.EventType][]func(domain.Event)
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{handlers: make(map[domain.EventType][]func(domain.Event))}
}

func (m *MockPublisher) Publish(event domain.Event) {
	m.mu.Lock()
	m.Events = append(m.Events, event)
	handlers := m.handlers[event.EventType]
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (m *MockPublisher) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// EventsOfType returns all recorded events of the given type.
func (m *MockPublisher) EventsOfType(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.Events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
