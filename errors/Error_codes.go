package errors

import "strconv"

// ERR is the numeric error code carried by every *Error.
type ERR int32

const (
	ERR_UNKNOWN          ERR = 0
	ERR_INVALID_ARGUMENT ERR = 1
	ERR_NOT_FOUND        ERR = 2
	ERR_PROCESSING       ERR = 3
	ERR_CONFIGURATION    ERR = 4
	ERR_CONTEXT          ERR = 5
	ERR_CONTEXT_CANCELED ERR = 6
	ERR_ERROR            ERR = 9

	// block
	ERR_BLOCK_NOT_FOUND ERR = 10
	ERR_BLOCK_INVALID   ERR = 11
	ERR_BLOCK_EXISTS    ERR = 12

	// transaction
	ERR_TX_NOT_FOUND      ERR = 30
	ERR_TX_INVALID        ERR = 31
	ERR_TX_ALREADY_EXISTS ERR = 32
	ERR_TX_CONFLICTING    ERR = 33
	ERR_TX_MISSING_INPUT  ERR = 34

	// service
	ERR_SERVICE_UNAVAILABLE ERR = 50
	ERR_SERVICE_ERROR       ERR = 51
	ERR_RESTART_REQUIRED    ERR = 52
	ERR_WORKER_ERROR        ERR = 53

	// storage
	ERR_STORAGE_UNAVAILABLE ERR = 60
	ERR_STORAGE_ERROR       ERR = 61
	ERR_BLOB_EXISTS         ERR = 62

	// utxo
	ERR_UTXO_SPENT           ERR = 70
	ERR_UTXO_NOT_FOUND       ERR = 71
	ERR_INTERNAL_CONSISTENCY ERR = 72

	// state
	ERR_SYNC_FAILED ERR = 100

	// network
	ERR_NETWORK_ERROR            ERR = 110
	ERR_NETWORK_TIMEOUT          ERR = 111
	ERR_NETWORK_INVALID_RESPONSE ERR = 112
	ERR_NETWORK_PEER_MALICIOUS   ERR = 113
)

var ERR_name = map[int32]string{
	0:   "UNKNOWN",
	1:   "INVALID_ARGUMENT",
	2:   "NOT_FOUND",
	3:   "PROCESSING",
	4:   "CONFIGURATION",
	5:   "CONTEXT",
	6:   "CONTEXT_CANCELED",
	9:   "ERROR",
	10:  "BLOCK_NOT_FOUND",
	11:  "BLOCK_INVALID",
	12:  "BLOCK_EXISTS",
	30:  "TX_NOT_FOUND",
	31:  "TX_INVALID",
	32:  "TX_ALREADY_EXISTS",
	33:  "TX_CONFLICTING",
	34:  "TX_MISSING_INPUT",
	50:  "SERVICE_UNAVAILABLE",
	51:  "SERVICE_ERROR",
	52:  "RESTART_REQUIRED",
	53:  "WORKER_ERROR",
	60:  "STORAGE_UNAVAILABLE",
	61:  "STORAGE_ERROR",
	62:  "BLOB_EXISTS",
	70:  "UTXO_SPENT",
	71:  "UTXO_NOT_FOUND",
	72:  "INTERNAL_CONSISTENCY",
	100: "SYNC_FAILED",
	110: "NETWORK_ERROR",
	111: "NETWORK_TIMEOUT",
	112: "NETWORK_INVALID_RESPONSE",
	113: "NETWORK_PEER_MALICIOUS",
}

func (x ERR) String() string {
	if name, ok := ERR_name[int32(x)]; ok {
		return name
	}

	return strconv.Itoa(int(x))
}

// Enum returns a pointer to a copy of x, mirroring generated enum helpers.
func (x ERR) Enum() *ERR {
	p := new(ERR)
	*p = x

	return p
}
