package proving

import (
	"fmt"
	"strings"
)

const defaultProvingErrorMessage = "unknown proving error"

// ProvingError 是上报给任务源的失败描述，只携带消息文本。
type ProvingError struct {
	Message string `json:"message"`
}

// NewProvingError 创建 ProvingError，空消息会被替换为通用文本。
func NewProvingError(message string) *ProvingError {
	if strings.TrimSpace(message) == "" {
		message = defaultProvingErrorMessage
	}
	return &ProvingError{Message: message}
}

// ProvingErrorFrom 将证明过程中的任意故障归一化为 ProvingError。
func ProvingErrorFrom(fault any) *ProvingError {
	switch v := fault.(type) {
	case nil:
		return NewProvingError("")
	case *ProvingError:
		return NewProvingError(v.Message)
	case error:
		return NewProvingError(v.Error())
	case string:
		return NewProvingError(v)
	default:
		return NewProvingError(fmt.Sprint(v))
	}
}

func (e *ProvingError) Error() string {
	if e == nil {
		return defaultProvingErrorMessage
	}
	return e.Message
}
