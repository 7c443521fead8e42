package note

import (
	"context"
	"errors"
)

var (
	ErrAccessDenied = errors.New("ACCESS_DENIED")
	ErrNotFound     = errors.New("NOT_FOUND")
	ErrProtocol     = errors.New("PROTOCOL_ERROR")
)

// IsTransient 判断是否是可重试的 I/O 错误（存储/网络抖动）。
// 权限、不存在、协议错误都属于确定性失败，重试没有意义。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrProtocol) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
