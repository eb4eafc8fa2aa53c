package errors

// ErrorCode identifies a class of controller failure. Codes are stable and
// appear in command replies and logs.
type ErrorCode string

// Error is a coded failure, optionally carrying a cause or a detail value.
type Error interface {
	error
	Code() ErrorCode
	// Data is the detail attached with WithData, or nil.
	Data() any
	Unwrap() error
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithData(code ErrorCode, data any) Error
}
