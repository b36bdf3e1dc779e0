package core

import (
	"errors"
	"fmt"
)

// DomainError 是领域层的统一错误类型。
//
// 设计原则：
//   - 所有领域层错误都使用此类型，降级分支通过错误码判断而不是吞掉异常
//   - 提供错误代码（Code）、模块（Module）和原始错误（Err，可 Unwrap）
//   - 支持错误检查函数（IsXXX），基于 errors.As，包装后依然可识别
//
// 错误分类：
//   - REMOTE_UNAVAILABLE：向量服务/Embedding 服务不可达或超时，只降级单条召回路径
//   - CACHE_UNAVAILABLE：画像/计数/历史缓存不可达；计数器回退直写，画像按空标签处理
//   - MALFORMED_INPUT：缓存字段无法解析，跳过该字段
//   - PERSISTENCE_CONFLICT：刷写计数时持久层拒绝更新，重试一次后重新入队
type DomainError struct {
	Code    string // 错误代码（如 "NOT_FOUND", "CACHE_UNAVAILABLE"）
	Message string // 错误消息
	Module  string // 模块名称（如 "store", "vector", "counter"）
	Err     error  // 原始错误
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is 使同码同模块的 DomainError 可以用 errors.Is 比较（例如 ErrStoreNotFound）。
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Module == t.Module && t.Err == nil && e.Message == t.Message
}

// IsDomainError 检查错误链中是否存在 DomainError
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError 获取错误链中的第一个 DomainError，如果不存在则返回 nil
func GetDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// NewDomainError 创建新的领域错误
func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
	}
}

// WrapError 用领域错误包装底层错误。err 为 nil 时返回 nil。
func WrapError(module, code string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// 错误代码常量
const (
	// 通用错误代码
	ErrorCodeNotFound      = "NOT_FOUND"      // 资源不存在
	ErrorCodeNotSupported  = "NOT_SUPPORTED"  // 操作不支持
	ErrorCodeUnavailable   = "UNAVAILABLE"    // 服务不可用
	ErrorCodeInvalidInput  = "INVALID_INPUT"  // 输入无效
	ErrorCodeInternalError = "INTERNAL_ERROR" // 内部错误

	// 降级相关错误代码
	ErrorCodeRemoteUnavailable   = "REMOTE_UNAVAILABLE"   // 远端（向量/Embedding）不可用
	ErrorCodeCacheUnavailable    = "CACHE_UNAVAILABLE"    // 缓存不可用
	ErrorCodeMalformedInput      = "MALFORMED_INPUT"      // 缓存数据格式错误
	ErrorCodePersistenceConflict = "PERSISTENCE_CONFLICT" // 持久层拒绝写入
)

// 模块名称常量
const (
	ModuleStore     = "store"
	ModuleCache     = "cache"
	ModuleVector    = "vector"
	ModuleEmbedding = "embedding"
	ModuleProfile   = "profile"
	ModuleHistory   = "history"
	ModuleCounter   = "counter"
	ModuleCandidate = "candidate"
	ModuleEngine    = "engine"
)

func hasCode(err error, code string) bool {
	if domainErr := GetDomainError(err); domainErr != nil {
		return domainErr.Code == code
	}
	return false
}

// IsNotFound 检查错误是否为 NOT_FOUND
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }

// IsNotSupported 检查错误是否为 NOT_SUPPORTED
func IsNotSupported(err error) bool { return hasCode(err, ErrorCodeNotSupported) }

// IsUnavailable 检查错误是否为 UNAVAILABLE
func IsUnavailable(err error) bool { return hasCode(err, ErrorCodeUnavailable) }

// IsInvalidInput 检查错误是否为 INVALID_INPUT
func IsInvalidInput(err error) bool { return hasCode(err, ErrorCodeInvalidInput) }

// IsRemoteUnavailable 检查错误是否为 REMOTE_UNAVAILABLE
func IsRemoteUnavailable(err error) bool { return hasCode(err, ErrorCodeRemoteUnavailable) }

// IsCacheUnavailable 检查错误是否为 CACHE_UNAVAILABLE
func IsCacheUnavailable(err error) bool { return hasCode(err, ErrorCodeCacheUnavailable) }

// IsMalformedInput 检查错误是否为 MALFORMED_INPUT
func IsMalformedInput(err error) bool { return hasCode(err, ErrorCodeMalformedInput) }

// IsPersistenceConflict 检查错误是否为 PERSISTENCE_CONFLICT
func IsPersistenceConflict(err error) bool { return hasCode(err, ErrorCodePersistenceConflict) }

// RemoteUnavailable 构造 REMOTE_UNAVAILABLE 错误
func RemoteUnavailable(module string, err error, msg string) error {
	return &DomainError{Module: module, Code: ErrorCodeRemoteUnavailable, Message: msg, Err: err}
}

// CacheUnavailable 构造 CACHE_UNAVAILABLE 错误
func CacheUnavailable(module string, err error, msg string) error {
	return &DomainError{Module: module, Code: ErrorCodeCacheUnavailable, Message: msg, Err: err}
}

// MalformedInput 构造 MALFORMED_INPUT 错误
func MalformedInput(module, msg string) error {
	return &DomainError{Module: module, Code: ErrorCodeMalformedInput, Message: msg}
}

// PersistenceConflict 构造 PERSISTENCE_CONFLICT 错误
func PersistenceConflict(module string, err error, msg string) error {
	return &DomainError{Module: module, Code: ErrorCodePersistenceConflict, Message: msg, Err: err}
}
