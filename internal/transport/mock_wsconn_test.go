// Hand-written in mockgen's layout so it can be swapped for generated
// output: mockgen -source=session.go -destination=mock_wsconn_test.go
// -package=transport -mock_names=wsConn=MockWSConn

package transport

import (
	context "context"
	reflect "reflect"

	websocket "github.com/coder/websocket"
	gomock "go.uber.org/mock/gomock"
)

// MockWSConn is a mock of wsConn interface.
type MockWSConn struct {
	ctrl     *gomock.Controller
	recorder *MockWSConnMockRecorder
	isgomock struct{}
}

// MockWSConnMockRecorder is the mock recorder for MockWSConn.
type MockWSConnMockRecorder struct {
	mock *MockWSConn
}

// NewMockWSConn creates a new mock instance.
func NewMockWSConn(ctrl *gomock.Controller) *MockWSConn {
	mock := &MockWSConn{ctrl: ctrl}
	mock.recorder = &MockWSConnMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockWSConn) EXPECT() *MockWSConnMockRecorder {
	return m.recorder
}

// Close mocks base method.
func (m *MockWSConn) Close(code websocket.StatusCode, reason string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Close", code, reason)
	ret0, _ := ret[0].(error)
	return ret0
}

// Close indicates an expected call of Close.
func (mr *MockWSConnMockRecorder) Close(code, reason any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockWSConn)(nil).Close), code, reason)
}

// CloseNow mocks base method.
func (m *MockWSConn) CloseNow() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CloseNow")
	ret0, _ := ret[0].(error)
	return ret0
}

// CloseNow indicates an expected call of CloseNow.
func (mr *MockWSConnMockRecorder) CloseNow() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CloseNow", reflect.TypeOf((*MockWSConn)(nil).CloseNow))
}

// Ping mocks base method.
func (m *MockWSConn) Ping(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Ping", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

// Ping indicates an expected call of Ping.
func (mr *MockWSConnMockRecorder) Ping(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Ping", reflect.TypeOf((*MockWSConn)(nil).Ping), ctx)
}

// Read mocks base method.
func (m *MockWSConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Read", ctx)
	ret0, _ := ret[0].(websocket.MessageType)
	ret1, _ := ret[1].([]byte)
	ret2, _ := ret[2].(error)
	return ret0, ret1, ret2
}

// Read indicates an expected call of Read.
func (mr *MockWSConnMockRecorder) Read(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockWSConn)(nil).Read), ctx)
}

// Write mocks base method.
func (m *MockWSConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Write", ctx, typ, p)
	ret0, _ := ret[0].(error)
	return ret0
}

// Write indicates an expected call of Write.
func (mr *MockWSConnMockRecorder) Write(ctx, typ, p any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Write", reflect.TypeOf((*MockWSConn)(nil).Write), ctx, typ, p)
}
