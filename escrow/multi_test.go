package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ruteri/host-provisioner/interfaces"
)

// MockEscrowBackend implements interfaces.EscrowBackend for testing
type MockEscrowBackend struct {
	mock.Mock
	name string
}

func (m *MockEscrowBackend) Fetch(ctx context.Context, hostname string) ([]byte, error) {
	args := m.Called(ctx, hostname)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockEscrowBackend) Store(ctx context.Context, hostname string, sealed []byte) error {
	args := m.Called(ctx, hostname, sealed)
	return args.Error(0)
}

func (m *MockEscrowBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockEscrowBackend) Name() string {
	return m.name
}

func (m *MockEscrowBackend) LocationURI() string {
	return "mock:" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.EscrowBackend
			for i, available := range tt.backends {
				m := &MockEscrowBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiBackend_Fetch(t *testing.T) {
	hostname := "web1"
	testData := []byte("sealed copy")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.EscrowBackend
		expectedData  []byte
		expectedError bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, hostname).Return(testData, nil)

				// Not consulted once the first one answers.
				mock2 := &MockEscrowBackend{name: "mock-B"}
				return []interfaces.EscrowBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, hostname).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, hostname).Return(testData, nil)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, hostname).Return(nil, testErr)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, hostname).Return(nil, testErr)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, hostname).Return(testData, nil)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiBackend(backends, testLogger())

			data, err := multi.Fetch(context.Background(), hostname)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiBackend_Store(t *testing.T) {
	hostname := "web1"
	testData := []byte("sealed copy")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.EscrowBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, hostname, testData).Return(nil)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, hostname, testData).Return(nil)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, hostname, testData).Return(nil)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, hostname, testData).Return(testErr)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, hostname, testData).Return(testErr)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(false)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.EscrowBackend {
				mock1 := &MockEscrowBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockEscrowBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, hostname, testData).Return(nil)
				return []interfaces.EscrowBackend{mock1, mock2}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiBackend(backends, testLogger())

			err := multi.Store(context.Background(), hostname, testData)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			for _, backend := range backends {
				backend.(*MockEscrowBackend).AssertExpectations(t)
			}
		})
	}
}
