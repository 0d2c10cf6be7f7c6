package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Network error codes understood by the default retry policy.
const (
	CodeConnReset   = "ECONNRESET"
	CodeAddrInUse   = "EADDRINUSE"
	CodeConnRefused = "ECONNREFUSED"
	CodeBrokenPipe  = "EPIPE"
	CodeNotFound    = "ENOTFOUND"
	CodeNetUnreach  = "ENETUNREACH"
	CodeHostUnreach = "EHOSTUNREACH"
	CodeConnAborted = "ECONNABORTED"
	CodeDNSAgain    = "EAI_AGAIN"
	CodeCircuitOpen = "ECIRCUITOPEN"
	CodeRateLimited = "ERATELIMITED"
)

var errnoCodes = map[syscall.Errno]string{
	syscall.ETIMEDOUT:    CodeTimedOut,
	syscall.ECONNRESET:   CodeConnReset,
	syscall.EADDRINUSE:   CodeAddrInUse,
	syscall.ECONNREFUSED: CodeConnRefused,
	syscall.EPIPE:        CodeBrokenPipe,
	syscall.ENETUNREACH:  CodeNetUnreach,
	syscall.EHOSTUNREACH: CodeHostUnreach,
	syscall.ECONNABORTED: CodeConnAborted,
}

// errorCode maps a Go error chain to the errno style code carried by
// RequestError. It returns "" when nothing in the chain is recognized.
func errorCode(err error) string {
	if err == nil {
		return ""
	}

	var re *RequestError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			return CodeDNSAgain
		}
		return CodeNotFound
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code, ok := errnoCodes[errno]; ok {
			return code
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimedOut
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return CodeConnReset
	}

	return codeFromMessage(err)
}

// codeFromMessage covers transports that flatten errors into strings.
func codeFromMessage(err error) string {
	msg := strings.ToLower(err.Error())
	patterns := []struct {
		substr string
		code   string
	}{
		{"connection reset", CodeConnReset},
		{"connection refused", CodeConnRefused},
		{"broken pipe", CodeBrokenPipe},
		{"no such host", CodeNotFound},
		{"network is unreachable", CodeNetUnreach},
		{"no route to host", CodeHostUnreach},
		{"address already in use", CodeAddrInUse},
		{"i/o timeout", CodeTimedOut},
		{"temporary failure in name resolution", CodeDNSAgain},
	}
	for _, p := range patterns {
		if strings.Contains(msg, p.substr) {
			return p.code
		}
	}
	return ""
}
