package errors

var (
	ErrUnknown             = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument     = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrNotFound            = New(ERR_NOT_FOUND, "not found")
	ErrProcessing          = New(ERR_PROCESSING, "error processing")
	ErrConfiguration       = New(ERR_CONFIGURATION, "configuration error")
	ErrContext             = New(ERR_CONTEXT, "context error")
	ErrContextCanceled     = New(ERR_CONTEXT_CANCELED, "context canceled")
	ErrError               = New(ERR_ERROR, "generic error")
	ErrBlockNotFound       = New(ERR_BLOCK_NOT_FOUND, "block not found")
	ErrBlockInvalid        = New(ERR_BLOCK_INVALID, "block invalid")
	ErrBlockExists         = New(ERR_BLOCK_EXISTS, "block exists")
	ErrTxNotFound          = New(ERR_TX_NOT_FOUND, "tx not found")
	ErrTxInvalid           = New(ERR_TX_INVALID, "tx invalid")
	ErrTxAlreadyExists     = New(ERR_TX_ALREADY_EXISTS, "tx already exists")
	ErrTxConflicting       = New(ERR_TX_CONFLICTING, "tx conflicts with a pooled tx")
	ErrTxMissingInput      = New(ERR_TX_MISSING_INPUT, "tx input not found")
	ErrServiceUnavailable  = New(ERR_SERVICE_UNAVAILABLE, "service unavailable")
	ErrServiceError        = New(ERR_SERVICE_ERROR, "service error")
	ErrRestartRequired     = New(ERR_RESTART_REQUIRED, "restart required")
	ErrWorker              = New(ERR_WORKER_ERROR, "worker error")
	ErrStorageUnavailable  = New(ERR_STORAGE_UNAVAILABLE, "storage unavailable")
	ErrStorageError        = New(ERR_STORAGE_ERROR, "storage error")
	ErrBlobExists          = New(ERR_BLOB_EXISTS, "blob already exists")
	ErrSpent               = New(ERR_UTXO_SPENT, "utxo already spent")
	ErrUtxoNotFound        = New(ERR_UTXO_NOT_FOUND, "utxo not found")
	ErrInternalConsistency = New(ERR_INTERNAL_CONSISTENCY, "internal consistency failure")
	ErrSyncFailed          = New(ERR_SYNC_FAILED, "sync failed")
	ErrNetwork             = New(ERR_NETWORK_ERROR, "network error")
	ErrNetworkTimeout      = New(ERR_NETWORK_TIMEOUT, "network timeout")
	ErrNetworkInvalid      = New(ERR_NETWORK_INVALID_RESPONSE, "invalid network response")
	ErrNetworkMalicious    = New(ERR_NETWORK_PEER_MALICIOUS, "malicious peer")
)

// errors initialization functions

func NewUnknownError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN, message, params...)
}
func NewInvalidArgumentError(message string, params ...interface{}) error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}
func NewNotFoundError(message string, params ...interface{}) error {
	return New(ERR_NOT_FOUND, message, params...)
}
func NewProcessingError(message string, params ...interface{}) error {
	return New(ERR_PROCESSING, message, params...)
}
func NewConfigurationError(message string, params ...interface{}) error {
	return New(ERR_CONFIGURATION, message, params...)
}
func NewContextError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT, message, params...)
}
func NewContextCanceledError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT_CANCELED, message, params...)
}
func NewError(message string, params ...interface{}) error {
	return New(ERR_ERROR, message, params...)
}
func NewBlockNotFoundError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_NOT_FOUND, message, params...)
}
func NewBlockInvalidError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_INVALID, message, params...)
}
func NewBlockExistsError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_EXISTS, message, params...)
}
func NewTxNotFoundError(message string, params ...interface{}) error {
	return New(ERR_TX_NOT_FOUND, message, params...)
}
func NewTxInvalidError(message string, params ...interface{}) error {
	return New(ERR_TX_INVALID, message, params...)
}
func NewTxAlreadyExistsError(message string, params ...interface{}) error {
	return New(ERR_TX_ALREADY_EXISTS, message, params...)
}
func NewTxConflictingError(message string, params ...interface{}) error {
	return New(ERR_TX_CONFLICTING, message, params...)
}
func NewTxMissingInputError(message string, params ...interface{}) error {
	return New(ERR_TX_MISSING_INPUT, message, params...)
}
func NewServiceUnavailableError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_UNAVAILABLE, message, params...)
}
func NewServiceError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_ERROR, message, params...)
}
func NewRestartRequiredError(message string, params ...interface{}) error {
	return New(ERR_RESTART_REQUIRED, message, params...)
}
func NewWorkerError(message string, params ...interface{}) error {
	return New(ERR_WORKER_ERROR, message, params...)
}
func NewStorageUnavailableError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_UNAVAILABLE, message, params...)
}
func NewStorageError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_ERROR, message, params...)
}
func NewBlobAlreadyExistsError(message string, params ...interface{}) error {
	return New(ERR_BLOB_EXISTS, message, params...)
}
func NewSpentError(message string, params ...interface{}) error {
	return New(ERR_UTXO_SPENT, message, params...)
}
func NewUtxoNotFoundError(message string, params ...interface{}) error {
	return New(ERR_UTXO_NOT_FOUND, message, params...)
}
func NewInternalConsistencyError(message string, params ...interface{}) error {
	return New(ERR_INTERNAL_CONSISTENCY, message, params...)
}
func NewSyncFailedError(message string, params ...interface{}) error {
	return New(ERR_SYNC_FAILED, message, params...)
}
func NewNetworkError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_ERROR, message, params...)
}
func NewNetworkTimeoutError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_TIMEOUT, message, params...)
}
func NewNetworkInvalidResponseError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_INVALID_RESPONSE, message, params...)
}
func NewNetworkPeerMaliciousError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_PEER_MALICIOUS, message, params...)
}
