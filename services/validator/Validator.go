package validator

import (
	"context"
	"sync"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/ulogger"
)

type job struct {
	utxos     map[model.Anchor]*model.UTXO
	txs       []*model.Transaction
	knownKeys map[string]struct{}
	reply     chan<- result
}

type result struct {
	err  error
	keys map[string][]byte
}

// Pool is a fixed set of goroutines that validate transaction chunks.
type Pool struct {
	logger  ulogger.Logger
	workers int
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(logger ulogger.Logger, workers int) *Pool {
	initPrometheusMetrics()

	if workers < 1 {
		workers = 1
	}

	return &Pool{
		logger:  logger.New("validator"),
		workers: workers,
		jobs:    make(chan job, workers),
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)

		go p.work(ctx)
	}

	p.logger.Infof("[Validator] started %d workers", p.workers)
}

// Stop terminates the workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			keys, err := validateChunk(j.utxos, j.txs, j.knownKeys)

			// reply is buffered for every chunk of the request
			j.reply <- result{err: err, keys: keys}
		}
	}
}

// Validate splits req across the workers and merges their answers. A
// returned error means the pool could not answer; an invalid transaction is
// reported through Response.Valid and Response.Err.
func (p *Pool) Validate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	prometheusValidatorRequests.Inc()
	prometheusValidatorTxs.Observe(float64(len(req.Txs)))

	defer func() {
		prometheusValidatorDuration.Observe(time.Since(start).Seconds())
	}()

	resp := &Response{ID: req.ID, DiscoveredKeys: make(map[string][]byte)}

	if req.PosReward != nil {
		if err := VerifyPosReward(req.PosReward); err != nil {
			prometheusValidatorInvalid.Inc()

			resp.Err = err

			return resp, nil
		}
	}

	chunks := split(req.Txs, p.workers)
	reply := make(chan result, len(chunks))

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return nil, errors.NewContextCanceledError("[Validator] request %d canceled", req.ID, ctx.Err())
		case p.jobs <- job{utxos: req.Utxos, txs: chunk, knownKeys: req.KnownKeys, reply: reply}:
		}
	}

	var firstErr error

	for range chunks {
		select {
		case <-ctx.Done():
			return nil, errors.NewContextCanceledError("[Validator] request %d canceled", req.ID, ctx.Err())
		case r := <-reply:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}

			for addr, key := range r.keys {
				resp.DiscoveredKeys[addr] = key
			}
		}
	}

	if firstErr != nil {
		prometheusValidatorInvalid.Inc()

		resp.Err = firstErr
		resp.DiscoveredKeys = nil

		return resp, nil
	}

	resp.Valid = true

	return resp, nil
}

func split(txs []*model.Transaction, n int) [][]*model.Transaction {
	if len(txs) == 0 {
		return nil
	}

	size := (len(txs) + n - 1) / n
	chunks := make([][]*model.Transaction, 0, n)

	for i := 0; i < len(txs); i += size {
		end := i + size
		if end > len(txs) {
			end = len(txs)
		}

		chunks = append(chunks, txs[i:end])
	}

	return chunks
}

func validateChunk(utxos map[model.Anchor]*model.UTXO, txs []*model.Transaction, known map[string]struct{}) (map[string][]byte, error) {
	keys := make(map[string][]byte)

	for _, tx := range txs {
		if err := tx.VerifyOwnership(utxos); err != nil {
			return nil, errors.NewTxInvalidError("tx %s failed ownership check", tx.ID(), err)
		}

		for _, in := range tx.Inputs {
			addr := model.AddressFromPubKey(in.PubKey)

			if _, ok := known[addr]; ok {
				continue
			}

			if _, ok := keys[addr]; !ok {
				keys[addr] = append([]byte(nil), in.PubKey...)
			}
		}
	}

	return keys, nil
}

// VerifyPosReward checks that the PoS reward is signed by the key of the
// address it pays.
func VerifyPosReward(tx *model.Transaction) error {
	if !tx.IsPosReward() || len(tx.Outputs) != 1 {
		return errors.NewTxInvalidError("not a PoS reward transaction")
	}

	in := tx.Inputs[0]

	if len(in.PubKey) == 0 || model.AddressFromPubKey(in.PubKey) != tx.Outputs[0].Address {
		return errors.NewTxInvalidError("PoS reward is not signed by its recipient")
	}

	if !model.VerifySignature(in.PubKey, in.Signature, tx.ID()) {
		return errors.NewTxInvalidError("PoS reward has an invalid signature")
	}

	return nil
}
