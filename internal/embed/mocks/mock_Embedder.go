// Package mocks provides test doubles for the embed package.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"
)

// MockEmbedder is a mock type for the Embedder interface.
type MockEmbedder struct {
	mock.Mock
}

// Embed provides a mock function with given fields: ctx, texts
func (_m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ret := _m.Called(ctx, texts)

	if len(ret) == 0 {
		panic("no return value specified for Embed")
	}

	var r0 [][]float32
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, []string) ([][]float32, error)); ok {
		return rf(ctx, texts)
	}
	if rf, ok := ret.Get(0).(func(context.Context, []string) [][]float32); ok {
		r0 = rf(ctx, texts)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([][]float32)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, []string) error); ok {
		r1 = rf(ctx, texts)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Dimensions provides a mock function with given fields:
func (_m *MockEmbedder) Dimensions() int {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Dimensions")
	}

	var r0 int
	if rf, ok := ret.Get(0).(func() int); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(int)
	}

	return r0
}

// ModelID provides a mock function with given fields:
func (_m *MockEmbedder) ModelID() string {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for ModelID")
	}

	var r0 string
	if rf, ok := ret.Get(0).(func() string); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(string)
	}

	return r0
}

// NewMockEmbedder creates a new instance of MockEmbedder.
func NewMockEmbedder(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockEmbedder {
	mock := &MockEmbedder{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
