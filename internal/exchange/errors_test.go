package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection refused" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsDependencyFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"http 500", &APIError{HTTPStatus: 500, RetMsg: "internal error"}, true},
		{"http 502", &APIError{HTTPStatus: 502, RetMsg: "bad gateway"}, true},
		{"http 429 rate limited", &APIError{HTTPStatus: 429, RetMsg: "too many visits"}, true},
		{"http 400", &APIError{HTTPStatus: 400, RetMsg: "bad request"}, false},
		{"http 403", &APIError{HTTPStatus: 403, RetMsg: "forbidden"}, false},
		{"params error retCode", &APIError{HTTPStatus: 200, RetCode: 10001, RetMsg: "params error"}, false},
		{"sign error retCode", &APIError{HTTPStatus: 200, RetCode: 10004, RetMsg: "sign error"}, false},
		{"insufficient balance retCode", &APIError{HTTPStatus: 200, RetCode: 170131, RetMsg: "insufficient balance"}, false},
		{"unknown retCode on 200", &APIError{HTTPStatus: 200, RetCode: 10016, RetMsg: "server error"}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("submit order: %w", context.DeadlineExceeded), true},
		{"net error", fakeNetError{}, true},
		{"wrapped api error", fmt.Errorf("submit order: %w", &APIError{HTTPStatus: 400}), false},
		{"plain transport error", errors.New("unexpected EOF"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDependencyFault(tt.err); got != tt.want {
				t.Errorf("IsDependencyFault(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsDependencyFault_TimeoutNetError(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: &timeoutError{}}
	if !IsDependencyFault(err) {
		t.Error("dial timeout not classified as dependency fault")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestAPIError_Error(t *testing.T) {
	err := &APIError{HTTPStatus: 200, RetCode: 170131, RetMsg: "insufficient balance"}
	want := "bybit api error: http=200 retCode=170131: insufficient balance"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
