package engine

import (
	"context"

	"github.com/cespare/xxhash"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

func seenKey(topic string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte(topic))
	_, _ = d.Write(payload)

	return d.Sum64()
}

func (e *Engine) markSeen(topic string, payload []byte) {
	e.seen.Set(seenKey(topic, payload), struct{}{}, ttlcache.DefaultTTL)
}

// firstSeen records payload and reports whether it was new.
func (e *Engine) firstSeen(topic string, payload []byte) bool {
	key := seenKey(topic, payload)

	if e.seen.Get(key) != nil {
		return false
	}

	e.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)

	return true
}

func (e *Engine) allow(peerID string) bool {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()

	limiter, ok := e.limiters[peerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(e.settings.P2P.RateLimit), e.settings.P2P.RateBurst)
		e.limiters[peerID] = limiter
	}

	return limiter.Allow()
}

func (e *Engine) penalize(peerID, offense string) {
	if peerID == "" {
		return
	}

	score, banned := e.network.Reputation().Penalize(peerID, offense)

	e.logger.Debugf("[Engine] penalized %s for %s, score %d, banned %t", peerID, offense, score, banned)
}

// P2PHandler turns gossip into tasks. Blocks and transactions are queued for
// the scheduler, candidates are checked here and handed to the tracker.
func (e *Engine) P2PHandler(ctx context.Context, topic, from string, payload []byte) {
	if e.syncing.Load() {
		prometheusEngineIgnored.WithLabelValues("syncing").Inc()
		return
	}

	if e.settings.Node.IgnoreIncoming {
		prometheusEngineIgnored.WithLabelValues("ignore_incoming").Inc()
		return
	}

	if !e.firstSeen(topic, payload) {
		prometheusEngineIgnored.WithLabelValues("duplicate").Inc()
		return
	}

	if !e.allow(from) {
		prometheusEngineIgnored.WithLabelValues("rate_limited").Inc()
		e.penalize(from, p2p.ReasonSpam.String())

		return
	}

	switch topic {
	case p2p.TopicBlock:
		block, err := model.NewBlockFromBytes(payload)
		if err != nil {
			e.logger.Debugf("[Engine] undecodable block from %s: %v", from, err)
			e.penalize(from, errors.OffenseMinor)

			return
		}

		e.enqueue(tasks.NewDigestFinalizedBlock(block, false, from))

	case p2p.TopicTransaction:
		tx, err := model.NewTransactionFromBytes(payload)
		if err == nil {
			err = tx.CheckShape()
		}

		if err != nil {
			e.logger.Debugf("[Engine] malformed tx from %s: %v", from, err)
			e.penalize(from, errors.OffenseMinor)

			return
		}

		e.enqueue(tasks.NewPushTransaction(tx, from))

	case p2p.TopicCandidate:
		candidate, err := model.NewBlockFromBytes(payload)
		if err == nil {
			err = e.validateCandidate(ctx, candidate)
		}

		if err != nil {
			e.logger.Debugf("[Engine] rejected candidate from %s: %v", from, err)

			if errors.Is(err, errors.ErrBlockInvalid) {
				e.penalize(from, errors.OffenseMinor)
			}

			return
		}

		e.OfferCandidate(ctx, candidate)

	default:
		e.logger.Warnf("[Engine] message on unknown topic %s from %s", topic, from)
	}
}

// PushTransactions admits transactions to the mempool and relays the ones
// this node originated. Duplicates, conflicts and unknown inputs are dropped
// quietly; only invalid transactions are reported.
func (e *Engine) PushTransactions(ctx context.Context, txs []*model.Transaction, origins []string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var errs []error

	for i, tx := range txs {
		origin := ""
		if i < len(origins) {
			origin = origins[i]
		}

		if err := e.mempool.Admit(e.utxos, tx); err != nil {
			if errors.IsTransientMempoolRejection(err) {
				e.logger.Debugf("[Engine] tx %s not admitted: %v", tx.ID(), err)
				continue
			}

			e.penalize(origin, errors.OffenseMinor)

			errs = append(errs, err)

			continue
		}

		if origin != "" {
			continue
		}

		payload := tx.Bytes()
		e.markSeen(p2p.TopicTransaction, payload)

		if err := e.network.Broadcast(ctx, p2p.TopicTransaction, payload); err != nil {
			e.logger.Warnf("[Engine] failed to broadcast tx %s: %v", tx.ID(), err)
		}
	}

	return errors.Join(errs...)
}

// BroadcastBlock relays a block this node digested.
func (e *Engine) BroadcastBlock(ctx context.Context, block *model.Block) error {
	payload := block.Bytes()
	e.markSeen(p2p.TopicBlock, payload)

	return e.network.Broadcast(ctx, p2p.TopicBlock, payload)
}
