package p2p

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/bsv-blockchain/go-wire"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

// BlockRangeProtocolID is the stream protocol serving canonical blocks.
const BlockRangeProtocolID = "/vssnode/blockrange/1.0.0"

// MaxRangeCount is the most blocks served per request.
const MaxRangeCount = 500

const (
	opTip    byte = 1
	opBlocks byte = 2

	wireProtocolVer = 0
	maxBlockWire    = 32 << 20
	requestSize     = 1 + 8 + 4
)

type rangeRequest struct {
	op    byte
	from  uint64
	count uint32
}

func writeRequest(w io.Writer, req rangeRequest) error {
	var buf [requestSize]byte

	buf[0] = req.op
	binary.LittleEndian.PutUint64(buf[1:9], req.from)
	binary.LittleEndian.PutUint32(buf[9:], req.count)

	_, err := w.Write(buf[:])

	return err
}

func readRequest(r io.Reader) (rangeRequest, error) {
	var buf [requestSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return rangeRequest{}, errors.NewNetworkInvalidResponseError("short block range request", err)
	}

	req := rangeRequest{
		op:    buf[0],
		from:  binary.LittleEndian.Uint64(buf[1:9]),
		count: binary.LittleEndian.Uint32(buf[9:]),
	}

	if req.op != opTip && req.op != opBlocks {
		return req, errors.NewNetworkInvalidResponseError("unknown block range op %d", req.op)
	}

	return req, nil
}

// serveRange answers one request read from r.
func serveRange(ctx context.Context, source BlockSource, r io.Reader, w io.Writer) error {
	req, err := readRequest(r)
	if err != nil {
		return err
	}

	prometheusP2PRangeRequests.Inc()

	if req.op == opTip {
		return writeTip(ctx, source, w)
	}

	count := int(req.count)
	if count > MaxRangeCount {
		count = MaxRangeCount
	}

	var blocks []*model.Block

	if height, ok := source.Height(); ok && req.from <= height && count > 0 {
		blocks, err = source.GetBlocks(ctx, req.from, count)
		if err != nil {
			return err
		}
	}

	prometheusP2PRangeBlocks.Observe(float64(len(blocks)))

	if err = wire.WriteVarInt(w, wireProtocolVer, uint64(len(blocks))); err != nil {
		return err
	}

	for _, b := range blocks {
		if err = wire.WriteVarBytes(w, wireProtocolVer, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func writeTip(ctx context.Context, source BlockSource, w io.Writer) error {
	var buf [1 + 8 + chainhash.HashSize]byte

	height, ok := source.Height()
	if !ok {
		buf[0] = 1
		_, err := w.Write(buf[:])

		return err
	}

	tip, err := source.GetBlock(ctx, height)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(buf[1:9], height)
	copy(buf[9:], tip.Hash[:])

	_, err = w.Write(buf[:])

	return err
}

func readTip(r io.Reader) (*TipInfo, error) {
	var buf [1 + 8 + chainhash.HashSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errors.NewNetworkInvalidResponseError("short tip response", err)
	}

	info := &TipInfo{Empty: buf[0] == 1}
	if info.Empty {
		return info, nil
	}

	info.Height = binary.LittleEndian.Uint64(buf[1:9])
	copy(info.Hash[:], buf[9:])

	return info, nil
}

func readBlocks(r io.Reader, from uint64, count int) ([]*model.Block, error) {
	n, err := wire.ReadVarInt(r, wireProtocolVer)
	if err != nil {
		return nil, errors.NewNetworkInvalidResponseError("failed to read block count", err)
	}

	if n > uint64(count) || n > MaxRangeCount {
		return nil, errors.NewNetworkPeerMaliciousError("peer sent %d blocks, asked for %d", n, count)
	}

	blocks := make([]*model.Block, 0, n)

	for i := uint64(0); i < n; i++ {
		b, err := wire.ReadVarBytes(r, wireProtocolVer, maxBlockWire, "block")
		if err != nil {
			return nil, errors.NewNetworkInvalidResponseError("failed to read block %d", i, err)
		}

		block, err := model.NewBlockFromBytes(b)
		if err != nil {
			return nil, errors.NewNetworkPeerMaliciousError("peer sent an undecodable block", err)
		}

		if block.Index != from+i {
			return nil, errors.NewNetworkPeerMaliciousError("peer sent block %d at position %d", block.Index, from+i)
		}

		blocks = append(blocks, block)
	}

	return blocks, nil
}
