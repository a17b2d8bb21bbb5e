// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"fmt"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

// Unit is the number of base units in one coin.
const Unit uint64 = 1_000_000

// Net identifies the network a message belongs to.
type Net uint32

const (
	MainNet Net = 0x56535301
	TestNet Net = 0x56535302
	RegNet  Net = 0x56535303
)

// Params defines a network by its consensus parameters. Every node on a
// network must agree on all of these values or blocks will be rejected.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic used to separate gossip topics between networks.
	Net Net

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// MaxSupply is the hard cap on the sum of all coinbase rewards.
	MaxSupply uint64

	// InitialReward is the coinbase at height 0, halved every HalvingInterval blocks.
	InitialReward   uint64
	HalvingInterval uint64

	// InitialDifficulty is used for every block until DifficultyWindow blocks exist.
	InitialDifficulty uint32
	MinDifficulty     uint32

	// DifficultyWindow is the number of trailing blocks used to retarget.
	DifficultyWindow int

	// TargetTimePerBlock is the desired interval between finalized blocks.
	TargetTimePerBlock time.Duration

	// NoDifficultyAdjustment keeps InitialDifficulty forever.
	NoDifficultyAdjustment bool

	// LegitimacyCount is the number of distinct validators drawn per round.
	LegitimacyCount int

	// MaxDrawAttempts bounds the lottery when few addresses are staking.
	MaxDrawAttempts int

	// MinStake is the smallest stake that can be drawn.
	MinStake uint64

	// LegitimacyPenalty is added to the difficulty once per legitimacy rank.
	LegitimacyPenalty uint32

	// MaxFutureBlockTime is how far ahead of the synchronized clock a block
	// timestamp may be.
	MaxFutureBlockTime time.Duration

	// MaxBlockSize bounds the serialized size of the user transactions a
	// candidate may include.
	MaxBlockSize int

	// Argon2id parameters of the proof of work.
	PowTime      uint32
	PowMemoryKiB uint32
	PowThreads   uint8
}

// MainNetParams defines the network parameters for the main network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         MainNet,
	DefaultPort: "27260",

	MaxSupply:       27_000_000 * Unit,
	InitialReward:   100 * Unit,
	HalvingInterval: 131_400, // ~6 months of 2 minute blocks

	InitialDifficulty:  27,
	MinDifficulty:      1,
	DifficultyWindow:   60,
	TargetTimePerBlock: 2 * time.Minute,

	LegitimacyCount:   27,
	MaxDrawAttempts:   1000,
	MinStake:          100 * Unit,
	LegitimacyPenalty: 2,

	MaxFutureBlockTime: 2 * time.Second,
	MaxBlockSize:       200_000,

	PowTime:      1,
	PowMemoryKiB: 64 * 1024,
	PowThreads:   1,
}

// TestNetParams defines the network parameters for the public test network.
var TestNetParams = Params{
	Name:        "testnet",
	Net:         TestNet,
	DefaultPort: "27261",

	MaxSupply:       27_000_000 * Unit,
	InitialReward:   100 * Unit,
	HalvingInterval: 131_400,

	InitialDifficulty:  16,
	MinDifficulty:      1,
	DifficultyWindow:   30,
	TargetTimePerBlock: time.Minute,

	LegitimacyCount:   27,
	MaxDrawAttempts:   1000,
	MinStake:          10 * Unit,
	LegitimacyPenalty: 2,

	MaxFutureBlockTime: 2 * time.Second,
	MaxBlockSize:       200_000,

	PowTime:      1,
	PowMemoryKiB: 16 * 1024,
	PowThreads:   1,
}

// RegressionNetParams defines the network parameters for local testing. The
// proof of work is cheap and difficulty never moves.
var RegressionNetParams = Params{
	Name:        "regtest",
	Net:         RegNet,
	DefaultPort: "27262",

	MaxSupply:       27_000_000 * Unit,
	InitialReward:   100 * Unit,
	HalvingInterval: 150,

	InitialDifficulty:      1,
	MinDifficulty:          1,
	DifficultyWindow:       10,
	TargetTimePerBlock:     time.Second,
	NoDifficultyAdjustment: true,

	LegitimacyCount:   27,
	MaxDrawAttempts:   1000,
	MinStake:          1 * Unit,
	LegitimacyPenalty: 0,

	MaxFutureBlockTime: 2 * time.Second,
	MaxBlockSize:       200_000,

	PowTime:      1,
	PowMemoryKiB: 64,
	PowThreads:   1,
}

// BlockReward returns the scheduled coinbase for a block at height before the
// max supply cap is applied.
func (p *Params) BlockReward(height uint64) uint64 {
	if p.HalvingInterval == 0 {
		return p.InitialReward
	}

	halvings := height / p.HalvingInterval
	if halvings >= 64 {
		return 0
	}

	return p.InitialReward >> halvings
}

// PowParams returns the Argon2id parameters of the network.
func (p *Params) PowParams() model.PowParams {
	return model.PowParams{Time: p.PowTime, MemoryKiB: p.PowMemoryKiB, Threads: p.PowThreads}
}

func GetChainParams(network string) (*Params, error) {
	switch network {
	case "mainnet":
		return &MainNetParams, nil
	case "testnet":
		return &TestNetParams, nil
	case "regtest":
		return &RegressionNetParams, nil
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown network %s", network))
	}
}
