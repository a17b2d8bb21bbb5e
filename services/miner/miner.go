// Package miner finalizes block candidates by searching for a proof of work.
//
// The miner runs as a single controller goroutine. It is driven by commands
// and reports back through messages, it never touches chain state.
package miner

import (
	"context"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/chaincfg"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/miner/cpuminer"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/clock"
)

// Command is a request to the miner.
type Command interface {
	command()
}

// SetCandidate replaces the candidate being mined.
type SetCandidate struct {
	Candidate *model.Block
}

// SetParams sets the reward address, the bet and the clock offset. Bet is the
// fraction of the target block time to wait after the candidate's PoS
// timestamp before hashing.
type SetParams struct {
	Address     string
	Bet         float64
	ClockOffset time.Duration
}

// MineUntilFound starts hashing the current candidate until a block is found.
type MineUntilFound struct{}

// Pause stops hashing but keeps the candidate.
type Pause struct{}

func (SetCandidate) command()   {}
func (SetParams) command()      {}
func (MineUntilFound) command() {}
func (Pause) command()          {}

// Message is emitted by the miner.
type Message interface {
	message()
}

// BlockFound carries a finalized block.
type BlockFound struct {
	Block *model.Block
}

// HashRate reports hashes per second since the previous report.
type HashRate struct {
	Rate float64
}

func (BlockFound) message() {}
func (HashRate) message()   {}

const batchSize = 16

type Miner struct {
	logger        ulogger.Logger
	params        *chaincfg.Params
	pow           model.PowParams
	clock         *clock.Clock
	commands      chan Command
	messages      chan Message
	hashRateEvery time.Duration

	// state owned by the controller goroutine
	candidate  *model.Block
	work       *model.Block
	signature  chainhash.Hash
	address    string
	bet        float64
	mining     bool
	started    time.Time
	hashes     int
	lastReport time.Time
}

func New(logger ulogger.Logger, params *chaincfg.Params, hashRateEvery time.Duration) *Miner {
	initPrometheusMetrics()

	if hashRateEvery <= 0 {
		hashRateEvery = 10 * time.Second
	}

	return &Miner{
		logger:        logger.New("miner"),
		params:        params,
		pow:           params.PowParams(),
		clock:         clock.New(0),
		commands:      make(chan Command, 8),
		messages:      make(chan Message, 8),
		hashRateEvery: hashRateEvery,
	}
}

// Send queues a command for the controller goroutine.
func (m *Miner) Send(ctx context.Context, cmd Command) error {
	select {
	case <-ctx.Done():
		return errors.NewContextCanceledError("[Miner] command %T not delivered", cmd, ctx.Err())
	case m.commands <- cmd:
		return nil
	}
}

// Messages returns the channel found blocks and hash rates are sent on.
func (m *Miner) Messages() <-chan Message {
	return m.messages
}

// Start runs the controller until ctx is done.
func (m *Miner) Start(ctx context.Context) error {
	m.logger.Infof("[Miner] starting")

	for {
		if !m.mining || m.work == nil {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-m.commands:
				m.handle(cmd)
			}

			continue
		}

		if wait := m.betDelay(); wait > 0 {
			timer := time.NewTimer(wait)

			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case cmd := <-m.commands:
				timer.Stop()
				m.handle(cmd)
			case <-timer.C:
			}

			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.commands:
			m.handle(cmd)
			continue
		default:
		}

		if block := m.mineBatch(); block != nil {
			prometheusBlockMined.Observe(time.Since(m.started).Seconds())

			m.logger.Infof("[Miner] found block %s at difficulty %d", block, block.FinalDifficulty(m.params.LegitimacyPenalty))

			m.mining = false

			select {
			case <-ctx.Done():
				return nil
			case m.messages <- BlockFound{Block: block}:
			}
		}

		m.reportHashRate()
	}
}

func (m *Miner) handle(cmd Command) {
	switch c := cmd.(type) {
	case SetCandidate:
		m.candidate = c.Candidate
		m.prepare()
	case SetParams:
		m.address = c.Address
		m.bet = c.Bet
		m.clock.SetOffset(c.ClockOffset)
		m.prepare()
	case MineUntilFound:
		if m.work == nil {
			m.logger.Warnf("[Miner] nothing to mine, candidate or reward address missing")
			return
		}

		if !m.mining {
			m.started = time.Now()
			m.lastReport = m.started
			m.hashes = 0
		}

		m.mining = true
	case Pause:
		m.mining = false
	default:
		m.logger.Warnf("[Miner] unknown command %T", cmd)
	}
}

// prepare builds the block being hashed: the candidate with the PoW reward
// prepended.
func (m *Miner) prepare() {
	m.work = nil

	if m.candidate == nil || m.address == "" {
		return
	}

	b := m.candidate.Clone()
	powTx := model.NewRewardTx(false, b.Index, b.PrevHash, m.address, b.PowReward)
	b.Txs = append([]*model.Transaction{powTx}, b.Txs...)
	b.Timestamp = 0
	b.Nonce = 0

	m.work = b
}

func (m *Miner) betDelay() time.Duration {
	if m.bet <= 0 {
		return 0
	}

	notBefore := m.work.PosTimestamp + int64(m.bet*float64(m.params.TargetTimePerBlock.Milliseconds()))

	return time.Duration(notBefore-m.clock.NowMs()) * time.Millisecond
}

func (m *Miner) mineBatch() *model.Block {
	if now := m.clock.NowMs(); now != m.work.Timestamp {
		m.work.Timestamp = now
		m.signature = m.work.Signature()
	}

	difficulty := m.work.FinalDifficulty(m.params.LegitimacyPenalty)

	sol, hashes := cpuminer.Mine(m.signature, m.pow, difficulty, m.work.Nonce, batchSize)
	m.hashes += hashes

	if sol == nil {
		m.work.Nonce += uint64(hashes)
		return nil
	}

	found := m.work.Clone()
	found.Nonce = sol.Nonce
	found.Hash = sol.Hash

	m.work.Nonce = sol.Nonce + 1

	return found
}

func (m *Miner) reportHashRate() {
	elapsed := time.Since(m.lastReport)
	if elapsed < m.hashRateEvery {
		return
	}

	rate := float64(m.hashes) / elapsed.Seconds()

	prometheusHashRate.Set(rate)

	m.hashes = 0
	m.lastReport = time.Now()

	select {
	case m.messages <- HashRate{Rate: rate}:
	default:
	}
}
