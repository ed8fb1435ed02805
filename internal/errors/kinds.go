// Package errors provides structured error handling for specmem.
//
// Every failure surfaced by the core carries a Kind (the tagged variant the
// caller switches on), a stable code string, and an optional user-facing
// suggestion. Codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: configuration errors
//   - 2XX: IO and lookup errors
//   - 3XX: embedding-provider errors
//   - 4XX: validation and dimension errors
//   - 5XX: store and internal errors
package errors

// Kind is the closed set of error variants surfaced by the core.
type Kind string

const (
	// KindNotFound indicates a lookup by id or path missed.
	KindNotFound Kind = "NOT_FOUND"
	// KindValidation indicates malformed input (empty content, bad enum,
	// out-of-range number).
	KindValidation Kind = "VALIDATION"
	// KindPermissionDenied indicates a cross-project read attempt.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindDimensionUnknown indicates the target embedding dimension could not
	// be determined from any discovery strategy.
	KindDimensionUnknown Kind = "DIMENSION_UNKNOWN"
	// KindDimensionMismatch indicates a vector length invariant broke after
	// projection.
	KindDimensionMismatch Kind = "DIMENSION_MISMATCH"
	// KindStoreConnection indicates the database connection was lost or refused.
	KindStoreConnection Kind = "STORE_CONNECTION"
	// KindStoreTimeout indicates a query exceeded its deadline.
	KindStoreTimeout Kind = "STORE_TIMEOUT"
	// KindStoreConstraint indicates a uniqueness or FK constraint violation.
	KindStoreConstraint Kind = "STORE_CONSTRAINT"
	// KindStoreOther covers remaining database failures.
	KindStoreOther Kind = "STORE_OTHER"
	// KindEmbeddingUnavailable indicates the embedding provider timed out or failed.
	KindEmbeddingUnavailable Kind = "EMBEDDING_UNAVAILABLE"
	// KindDeadlineExceeded indicates a resync or scan ran out of time.
	KindDeadlineExceeded Kind = "DEADLINE_EXCEEDED"
	// KindQueueFull indicates an enqueue was refused at capacity.
	KindQueueFull Kind = "QUEUE_FULL"
	// KindCancelled indicates the operation was aborted by the caller.
	KindCancelled Kind = "CANCELLED"
	// KindConfig indicates invalid configuration.
	KindConfig Kind = "CONFIG"
	// KindInternal indicates an unexpected internal error.
	KindInternal Kind = "INTERNAL"
)

// Error codes, one per kind.
const (
	CodeConfig               = "ERR_101_CONFIG_INVALID"
	CodeNotFound             = "ERR_201_NOT_FOUND"
	CodeFileTooLarge         = "ERR_202_FILE_TOO_LARGE"
	CodeEmbeddingUnavailable = "ERR_301_EMBEDDING_UNAVAILABLE"
	CodeValidation           = "ERR_401_VALIDATION"
	CodeDimensionMismatch    = "ERR_402_DIMENSION_MISMATCH"
	CodePermissionDenied     = "ERR_403_PERMISSION_DENIED"
	CodeDimensionUnknown     = "ERR_404_DIMENSION_UNKNOWN"
	CodeStoreConnection      = "ERR_501_STORE_CONNECTION"
	CodeStoreTimeout         = "ERR_502_STORE_TIMEOUT"
	CodeStoreConstraint      = "ERR_503_STORE_CONSTRAINT"
	CodeStoreOther           = "ERR_504_STORE_OTHER"
	CodeDeadlineExceeded     = "ERR_505_DEADLINE_EXCEEDED"
	CodeQueueFull            = "ERR_506_QUEUE_FULL"
	CodeCancelled            = "ERR_507_CANCELLED"
	CodeInternal             = "ERR_508_INTERNAL"
)

// codeForKind maps each kind to its stable code string.
func codeForKind(k Kind) string {
	switch k {
	case KindConfig:
		return CodeConfig
	case KindNotFound:
		return CodeNotFound
	case KindValidation:
		return CodeValidation
	case KindPermissionDenied:
		return CodePermissionDenied
	case KindDimensionUnknown:
		return CodeDimensionUnknown
	case KindDimensionMismatch:
		return CodeDimensionMismatch
	case KindStoreConnection:
		return CodeStoreConnection
	case KindStoreTimeout:
		return CodeStoreTimeout
	case KindStoreConstraint:
		return CodeStoreConstraint
	case KindStoreOther:
		return CodeStoreOther
	case KindEmbeddingUnavailable:
		return CodeEmbeddingUnavailable
	case KindDeadlineExceeded:
		return CodeDeadlineExceeded
	case KindQueueFull:
		return CodeQueueFull
	case KindCancelled:
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// retryableKind reports whether operations failing with this kind may be retried.
func retryableKind(k Kind) bool {
	switch k {
	case KindStoreConnection, KindStoreTimeout, KindEmbeddingUnavailable:
		return true
	default:
		return false
	}
}
