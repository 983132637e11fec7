package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("nsai: configuration is required")
	ErrLoggerRequired      = sterrors.New("nsai: logger is required")
	ErrExtractorRequired   = sterrors.New("nsai: feature extractor is required")
	ErrFactSourceRequired  = sterrors.New("nsai: fact source is required")
	ErrEngineRequired      = sterrors.New("nsai: verdict engine is required")
	ErrRecorderRequired    = sterrors.New("nsai: metrics recorder is required")
	ErrSourceRequired      = sterrors.New("nsai: message source is required")
	ErrProcessorRequired   = sterrors.New("nsai: message processor is required")
	ErrConnectionRequired  = sterrors.New("nsai: broker connection is required")
	ErrStreamNameRequired  = sterrors.New("nsai: stream name is required")
	ErrDurableNameRequired = sterrors.New("nsai: durable consumer name is required")
	ErrSubjectRequired     = sterrors.New("nsai: subject is required")
	ErrSequenceClosed      = sterrors.New("nsai: message sequence closed")
)

// ConfigValidationError wraps the joined errors returned by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("nsai: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
