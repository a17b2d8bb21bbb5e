package blockchain

import (
	"net/url"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blockchain/leveldb"
	"github.com/hybridpos/vssnode/ulogger"
)

func NewStore(logger ulogger.Logger, storeURL *url.URL, cacheSize int) (Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("chain store url is nil")
	}

	switch storeURL.Scheme {
	case "file", "leveldb", "memory":
		return leveldb.New(logger, storeURL, cacheSize)
	}

	return nil, errors.NewStorageError("unknown scheme: %s", storeURL.Scheme)
}
