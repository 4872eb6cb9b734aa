package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// MockLending is a configurable HTTP test server that simulates the lending
// API. Routes are taken from the contract so requests built by the real
// client land on the operation they name. Every request is recorded for
// later assertion.
type MockLending struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

// operationConfig holds the queued responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring responses of one operation.
type OperationMock struct {
	mock *MockLending
	opID string
}

// newMockLending starts a mock serving every operation in the contract.
func newMockLending(t *testing.T, contract []byte) *MockLending {
	t.Helper()

	doc, err := openapi3.NewLoader().LoadFromData(contract)
	if err != nil {
		t.Fatalf("parse lending contract: %v", err)
	}

	m := &MockLending{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			mux.HandleFunc(method+" "+path, m.handleOperation(op.OperationID))
		}
	}

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the base URL of the mock server.
func (m *MockLending) URL() string {
	return m.server.URL
}

// OnOperation returns a builder for configuring responses for the named operation.
func (m *MockLending) OnOperation(operationID string) *OperationMock {
	return &OperationMock{mock: m, opID: operationID}
}

// RespondWith queues a response with the given status and body. The last
// queued response repeats once the queue is drained.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.mock.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithDelay queues a delayed response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.mock.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.mock.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (m *MockLending) addResponse(opID string, resp *mockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		m.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (m *MockLending) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}

		m.mu.Lock()
		m.receivedByOp[opID] = append(m.receivedByOp[opID], rec)
		m.mu.Unlock()

		resp := m.nextResponse(opID)
		if resp == nil {
			resp = defaultResponse(opID, r)
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			_ = json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// defaultResponse answers an operation nobody configured: users exist,
// risk assessments are created as ra-1, and every write succeeds.
func defaultResponse(opID string, r *http.Request) *mockResponse {
	switch opID {
	case "getUser":
		return &mockResponse{status: http.StatusOK, body: CustomerFixture(r.PathValue("id"))}
	case "createRiskAssessment":
		return &mockResponse{status: http.StatusCreated, body: map[string]any{"id": "ra-1"}}
	case "updateRiskAssessment":
		return &mockResponse{status: http.StatusOK, body: map[string]any{"id": r.PathValue("id")}}
	default:
		return &mockResponse{status: http.StatusOK, body: map[string]any{}}
	}
}

func (m *MockLending) nextResponse(opID string) *mockResponse {
	m.mu.RLock()
	cfg, ok := m.operations[opID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (m *MockLending) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := len(m.AllRequests(operationID)); actual != expectedCount {
		t.Errorf("lending: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (m *MockLending) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	m.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation, or
// nil if none was recorded.
func (m *MockLending) LastRequest(operationID string) *RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reqs := m.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (m *MockLending) AllRequests(operationID string) []*RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reqs := m.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears all recorded requests and configured responses.
func (m *MockLending) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = make(map[string]*operationConfig)
	m.receivedByOp = make(map[string][]*RecordedRequest)
}
