package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
	"syscall"
)

var transientFragments = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
}

// IsTransient 判断错误是否属于可重试的临时故障。
//
// 未知工具与参数错误永远不是临时故障；其余错误按以下顺序判定：
// 统一错误码的可重试属性、超时、常见网络 errno，最后退化为消息子串匹配。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := From(err); ok {
		switch e.Code() {
		case CodeUnknownTool, CodeInvalidArgument:
			return false
		}
		if e.Retryable() {
			return true
		}
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if stdErrors.Is(err, syscall.ECONNRESET) || stdErrors.Is(err, syscall.ECONNREFUSED) || stdErrors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
