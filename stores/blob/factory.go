package blob

import (
	"net/url"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blob/file"
	bloblogger "github.com/hybridpos/vssnode/stores/blob/logger"
	"github.com/hybridpos/vssnode/stores/blob/memory"
	"github.com/hybridpos/vssnode/ulogger"
)

// NewStore creates the backend named by the scheme of storeURL.
// Adding logger=true to the query wraps the store in a debug logger.
func NewStore(logger ulogger.Logger, storeURL *url.URL) (store Store, err error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("blob store url is nil")
	}

	switch storeURL.Scheme {
	case "memory":
		store = memory.New()
	case "file":
		store, err = file.New(logger, storeURL)
		if err != nil {
			return nil, errors.NewStorageError("error creating file blob store", err)
		}
	default:
		return nil, errors.NewConfigurationError("unknown blob store type: %s", storeURL.Scheme)
	}

	if storeURL.Query().Get("logger") == "true" {
		store = bloblogger.New(logger.New("blob"), store)
	}

	return store, nil
}
