// Package mempool holds validated transactions waiting for a block.
package mempool

import (
	"sort"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/ulogger"
)

// UtxoSource resolves the live outputs spent by a transaction.
type UtxoSource interface {
	GetUtxos(anchors []model.Anchor) (map[model.Anchor]*model.UTXO, []model.Anchor)
}

type entry struct {
	tx   *model.Transaction
	id   chainhash.Hash
	fee  uint64
	size int
	seq  uint64
}

// feeRate is compared as fee1*size2 > fee2*size1 to stay exact.
func (e *entry) betterThan(o *entry) bool {
	l := e.fee * uint64(o.size)
	r := o.fee * uint64(e.size)

	if l != r {
		return l > r
	}

	return e.seq < o.seq
}

type Mempool struct {
	logger ulogger.Logger
	mu     sync.Mutex
	txs    map[chainhash.Hash]*entry
	// spent maps every anchor spent by a pooled tx to that tx.
	spent  map[model.Anchor]chainhash.Hash
	seq    uint64
	maxTxs int
}

func New(logger ulogger.Logger, maxTxs int) *Mempool {
	initPrometheusMetrics()

	return &Mempool{
		logger: logger.New("mempool"),
		txs:    make(map[chainhash.Hash]*entry),
		spent:  make(map[model.Anchor]chainhash.Hash),
		maxTxs: maxTxs,
	}
}

// Admit validates tx against the live utxo set and pools it.
// Duplicates return TX_ALREADY_EXISTS, inputs already spent by a pooled
// transaction TX_CONFLICTING and unknown inputs TX_MISSING_INPUT.
func (m *Mempool) Admit(utxos UtxoSource, tx *model.Transaction) error {
	err := m.admit(utxos, tx)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			prometheusMempoolRejected.WithLabelValues(e.Code().String()).Inc()
		}

		return err
	}

	prometheusMempoolAdmitted.Inc()

	return nil
}

func (m *Mempool) admit(utxos UtxoSource, tx *model.Transaction) error {
	if err := tx.CheckShape(); err != nil {
		return err
	}

	if tx.IsReward() {
		return errors.NewTxInvalidError("reward transactions are not relayed")
	}

	id := tx.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[id]; ok {
		return errors.NewTxAlreadyExistsError("tx %s already in mempool", id)
	}

	anchors := make([]model.Anchor, 0, len(tx.Inputs))

	for _, in := range tx.Inputs {
		if other, ok := m.spent[in.Anchor]; ok {
			return errors.NewTxConflictingError("tx %s spends %s already spent by %s", id, in.Anchor, other)
		}

		anchors = append(anchors, in.Anchor)
	}

	found, missing := utxos.GetUtxos(anchors)
	if len(missing) > 0 {
		return errors.NewTxMissingInputError("tx %s spends unknown output %s", id, missing[0])
	}

	if err := tx.VerifyOwnership(found); err != nil {
		return err
	}

	var inTotal uint64
	for _, u := range found {
		inTotal += u.Amount
	}

	outTotal, err := tx.OutputsTotal()
	if err != nil {
		return err
	}

	if outTotal > inTotal {
		return errors.NewTxInvalidError("tx %s spends %d but creates %d", id, inTotal, outTotal)
	}

	if m.maxTxs > 0 && len(m.txs) >= m.maxTxs {
		return errors.NewServiceUnavailableError("mempool is full (%d transactions)", len(m.txs))
	}

	m.add(&entry{tx: tx, id: id, fee: inTotal - outTotal, size: tx.Size()})

	return nil
}

func (m *Mempool) add(e *entry) {
	m.seq++
	e.seq = m.seq
	m.txs[e.id] = e

	for _, in := range e.tx.Inputs {
		m.spent[in.Anchor] = e.id
	}

	prometheusMempoolSize.Set(float64(len(m.txs)))
}

func (m *Mempool) remove(id chainhash.Hash) {
	e, ok := m.txs[id]
	if !ok {
		return
	}

	delete(m.txs, id)

	for _, in := range e.tx.Inputs {
		if m.spent[in.Anchor] == id {
			delete(m.spent, in.Anchor)
		}
	}

	prometheusMempoolSize.Set(float64(len(m.txs)))
}

// MostLucrativeBatch returns pooled transactions by descending fee per byte
// whose total size fits maxBytes. Fees are recomputed against utxos, and
// entries whose inputs are no longer live are evicted.
func (m *Mempool) MostLucrativeBatch(utxos UtxoSource, maxBytes int) []*model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*entry, 0, len(m.txs))

	for _, e := range m.txs {
		fee, ok := m.fee(utxos, e.tx)
		if !ok {
			m.logger.Debugf("[Mempool] evicting stale tx %s", e.id)
			m.remove(e.id)

			continue
		}

		e.fee = fee
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].betterThan(entries[j])
	})

	batch := make([]*model.Transaction, 0)
	used := 0

	for _, e := range entries {
		if used+e.size > maxBytes {
			continue
		}

		batch = append(batch, e.tx)
		used += e.size
	}

	prometheusMempoolBatchTxs.Observe(float64(len(batch)))

	return batch
}

func (m *Mempool) fee(utxos UtxoSource, tx *model.Transaction) (uint64, bool) {
	anchors := make([]model.Anchor, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		anchors = append(anchors, in.Anchor)
	}

	found, missing := utxos.GetUtxos(anchors)
	if len(missing) > 0 {
		return 0, false
	}

	var inTotal uint64
	for _, u := range found {
		inTotal += u.Amount
	}

	outTotal, err := tx.OutputsTotal()
	if err != nil || outTotal > inTotal {
		return 0, false
	}

	return inTotal - outTotal, true
}

// RemoveIncluded drops the user transactions of block and every pooled
// transaction conflicting with them.
func (m *Mempool) RemoveIncluded(block *model.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range block.UserTxs() {
		m.remove(tx.ID())

		for _, in := range tx.Inputs {
			if other, ok := m.spent[in.Anchor]; ok {
				m.remove(other)
			}
		}
	}
}

func (m *Mempool) Has(id chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.txs[id]

	return ok
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.txs)
}

// Export returns the pooled transactions in admission order.
func (m *Mempool) Export() []*model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*entry, 0, len(m.txs))
	for _, e := range m.txs {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	txs := make([]*model.Transaction, 0, len(entries))
	for _, e := range entries {
		txs = append(txs, e.tx.Clone())
	}

	return txs
}

// Import replaces the pool with transactions validated before a snapshot.
func (m *Mempool) Import(txs []*model.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs = make(map[chainhash.Hash]*entry, len(txs))
	m.spent = make(map[model.Anchor]chainhash.Hash)

	for _, tx := range txs {
		m.add(&entry{tx: tx, id: tx.ID(), size: tx.Size()})
	}
}
