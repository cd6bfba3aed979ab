package httputil

// API 錯誤代碼常數.
// 401 與 429 由 middleware 直接回應
const (
	// 403
	ErrorCodeForbidden = "FORBIDDEN"

	// 400
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"

	// 404 / 409 / 422
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "HANDLE_CONFLICT"
	ErrorCodeDecryptFailed = "DECRYPT_FAILED"

	// 5xx
	ErrorCodeInternal    = "INTERNAL_ERROR"
	ErrorCodeUnavailable = "SERVICE_UNAVAILABLE"
)
