package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldAccount is the structured log field key for the delivery account id.
	FieldAccount = "account"
	// FieldRunID is the structured log field key for the scheduler run id.
	FieldRunID = "run_id"
	// FieldPosting is the structured log field key for a posting id.
	FieldPosting = "posting_id"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger.
// A nil logger is replaced with a no-op one.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CommonFields returns the fields identifying an account and its current run.
// Empty values are skipped.
func CommonFields(account, runID string) []zap.Field {
	return StringFields(
		StringField{Key: FieldAccount, Value: account},
		StringField{Key: FieldRunID, Value: runID},
	)
}

// WithCommonFields attaches the account and run fields to the provided logger.
func WithCommonFields(logger *zap.Logger, account, runID string) *zap.Logger {
	return WithFields(logger, CommonFields(account, runID)...)
}

// Posting returns the field used to tag posting-specific log entries.
func Posting(id string) zap.Field {
	return zap.String(FieldPosting, id)
}
