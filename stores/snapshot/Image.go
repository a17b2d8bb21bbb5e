// Package snapshot persists full state images (utxo set, spectrum and
// mempool) used as rollback points, and the coarser checkpoints kept
// alongside them.
package snapshot

import (
	"sync"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
)

const imageVersion = 1

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil)
		decoder, _ = zstd.NewReader(nil)
	})
}

// UtxoState is the part of the utxo set captured in an image.
type UtxoState interface {
	Export() []*model.UTXO
	Import(utxos []*model.UTXO)
}

// SpectrumState is the part of the spectrum captured in an image.
type SpectrumState interface {
	Export() []model.StakeRef
	Import(refs []model.StakeRef) error
}

// MempoolState is the part of the mempool captured in an image.
type MempoolState interface {
	Export() []*model.Transaction
	Import(txs []*model.Transaction)
}

// Image is the state of the node after applying the block at Height.
type Image struct {
	Height  uint64
	Utxos   []*model.UTXO
	Stakes  []model.StakeRef
	Mempool []*model.Transaction
}

type imageJSON struct {
	Version int         `json:"version"`
	Height  uint64      `json:"height"`
	Utxos   []utxoJSON  `json:"utxos"`
	Stakes  []stakeJSON `json:"stakes"`
	Mempool [][]byte    `json:"mempool"`
}

type utxoJSON struct {
	Anchor  string `json:"anchor"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Rule    uint8  `json:"rule"`
}

type stakeJSON struct {
	Anchor  string `json:"anchor"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Capture builds an image from live state.
func Capture(height uint64, utxos UtxoState, spectrum SpectrumState, mempool MempoolState) *Image {
	img := &Image{
		Height: height,
		Utxos:  utxos.Export(),
		Stakes: spectrum.Export(),
	}

	if mempool != nil {
		img.Mempool = mempool.Export()
	}

	return img
}

// Restore replaces live state with the content of the image.
func (img *Image) Restore(utxos UtxoState, spectrum SpectrumState, mempool MempoolState) error {
	utxos.Import(img.Utxos)

	if err := spectrum.Import(img.Stakes); err != nil {
		return err
	}

	if mempool != nil {
		mempool.Import(img.Mempool)
	}

	return nil
}

// Encode serializes the image as zstd compressed json.
func (img *Image) Encode() ([]byte, error) {
	initCodec()

	doc := imageJSON{
		Version: imageVersion,
		Height:  img.Height,
		Utxos:   make([]utxoJSON, 0, len(img.Utxos)),
		Stakes:  make([]stakeJSON, 0, len(img.Stakes)),
		Mempool: make([][]byte, 0, len(img.Mempool)),
	}

	for _, u := range img.Utxos {
		doc.Utxos = append(doc.Utxos, utxoJSON{Anchor: u.Anchor.String(), Address: u.Address, Amount: u.Amount, Rule: uint8(u.Rule)})
	}

	for _, s := range img.Stakes {
		doc.Stakes = append(doc.Stakes, stakeJSON{Anchor: s.Anchor.String(), Address: s.Address, Amount: s.Amount})
	}

	for _, tx := range img.Mempool {
		doc.Mempool = append(doc.Mempool, tx.Bytes())
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.NewProcessingError("failed to encode image at %d", img.Height, err)
	}

	return encoder.EncodeAll(b, nil), nil
}

func DecodeImage(b []byte) (*Image, error) {
	initCodec()

	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, errors.NewStorageError("failed to decompress image", err)
	}

	var doc imageJSON
	if err = json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.NewStorageError("failed to decode image", err)
	}

	if doc.Version != imageVersion {
		return nil, errors.NewStorageError("unsupported image version %d", doc.Version)
	}

	img := &Image{
		Height:  doc.Height,
		Utxos:   make([]*model.UTXO, 0, len(doc.Utxos)),
		Stakes:  make([]model.StakeRef, 0, len(doc.Stakes)),
		Mempool: make([]*model.Transaction, 0, len(doc.Mempool)),
	}

	for _, u := range doc.Utxos {
		anchor, err := model.NewAnchorFromString(u.Anchor)
		if err != nil {
			return nil, errors.NewStorageError("image at %d", doc.Height, err)
		}

		img.Utxos = append(img.Utxos, &model.UTXO{Anchor: anchor, Address: u.Address, Amount: u.Amount, Rule: model.Rule(u.Rule)})
	}

	for _, s := range doc.Stakes {
		anchor, err := model.NewAnchorFromString(s.Anchor)
		if err != nil {
			return nil, errors.NewStorageError("image at %d", doc.Height, err)
		}

		img.Stakes = append(img.Stakes, model.StakeRef{Anchor: anchor, Address: s.Address, Amount: s.Amount})
	}

	for _, txBytes := range doc.Mempool {
		tx, err := model.NewTransactionFromBytes(txBytes)
		if err != nil {
			return nil, errors.NewStorageError("image at %d", doc.Height, err)
		}

		img.Mempool = append(img.Mempool, tx)
	}

	return img, nil
}
