package llm

import (
	"errors"
	"fmt"
)

// StatusError 携带上游 HTTP 状态码的错误
// 编排层据此区分可重试（429/402）与不可重试的失败
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsRetryableStatus 判断状态码是否属于瞬时失败
// 429 = 限流，402 = 配额/额度不足
func IsRetryableStatus(code int) bool {
	return code == 429 || code == 402
}

// RetryableStatus 从错误中提取可重试的状态码，返回 (code, true) 或 (0, false)
func RetryableStatus(err error) (int, bool) {
	var se *StatusError
	if !errors.As(err, &se) {
		return 0, false
	}
	if IsRetryableStatus(se.StatusCode) {
		return se.StatusCode, true
	}
	return 0, false
}
