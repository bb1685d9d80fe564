// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorValidation    = "VALIDATION_FAILED"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorTimeout       = "TIMEOUT"
	ErrorStorage       = "STORAGE_ERROR"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 插图相关
	ErrorSlotInvalid = "SLOT_INVALID"
)
