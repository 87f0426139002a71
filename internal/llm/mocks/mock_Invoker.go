// Package mocks provides test doubles for the llm package.
package mocks

import (
	"context"

	llm "github.com/sells-group/research-engine/internal/llm"
	mock "github.com/stretchr/testify/mock"
)

// MockInvoker is a mock type for the Invoker interface.
type MockInvoker struct {
	mock.Mock
}

// Invoke provides a mock function with given fields: ctx, req
func (_m *MockInvoker) Invoke(ctx context.Context, req llm.Request) (*llm.Result, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Invoke")
	}

	var r0 *llm.Result
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, llm.Request) (*llm.Result, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, llm.Request) *llm.Result); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*llm.Result)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, llm.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockInvoker creates a new instance of MockInvoker.
func NewMockInvoker(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockInvoker {
	mock := &MockInvoker{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
