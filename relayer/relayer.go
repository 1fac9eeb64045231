package relayer

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/chain"
	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const (
	// maxBodySize bounds one submit request.
	maxBodySize = 1 << 20
	// maxAmount bounds a single withdrawal, in base units.
	maxAmount = 1_000_000_000_000
	// maxChunkID rejects obviously bogus chunk references.
	maxChunkID = 1000
	// retryDelay re-arms a failed submission.
	retryDelay = 60 * time.Second
	// submitTimeout bounds one on-chain submission attempt.
	submitTimeout = 30 * time.Second
)

// entry is one queued withdrawal.
type entry struct {
	ID          uuid.UUID
	Proof       prover.Proof
	Recipient   string
	Amount      uint64
	ChunkID     uint32
	SubmittedAt time.Time
	ExecuteAt   time.Time
}

// Service accepts withdrawal requests, holds each for a random delay and
// submits it on-chain under this agent's account.
type Service struct {
	cfg     Config
	backend chain.Backend
	limiter *rateLimiter

	mu         sync.Mutex
	queue      []*entry
	processing bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a relayer submitting through backend.
func New(cfg Config, backend chain.Backend) *Service {
	return &Service{
		cfg:     cfg,
		backend: backend,
		limiter: newRateLimiter(rateLimit, rateWindow),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Register mounts the relayer routes on the shared router.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("/relayer/submit", s.handleSubmit)
	mux.HandleFunc("/relayer/status", s.handleStatus)
}

// Stop waits for an in-flight submission and parks the queue. Queued entries
// live only in RAM and are lost on shutdown.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// QueueLength returns the number of queued withdrawals.
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type submitRequest struct {
	Proof     prover.Proof `json:"proof"`
	Recipient string       `json:"recipient"`
	Amount    uint64       `json:"amount"`
	ChunkID   uint32       `json:"chunkId"`
}

type submitResponse struct {
	Success                bool   `json:"success"`
	QueueID                string `json:"queueId"`
	EstimatedExecutionTime int64  `json:"estimatedExecutionTime"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}
	if err := validateSubmit(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	queueID, executeAt, err := s.Enqueue(req.Proof, req.Recipient, req.Amount, req.ChunkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delay generation failed")
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Success:                true,
		QueueID:                queueID,
		EstimatedExecutionTime: executeAt.UnixMilli(),
	})
}

// Enqueue schedules one withdrawal for delayed submission and starts the
// processor if it is idle. It returns the hex queue ID and the execution
// time.
func (s *Service) Enqueue(proof prover.Proof, recipient string, amount uint64, chunkID uint32) (string, time.Time, error) {
	delay, err := randomDelay(s.cfg.MinDelay.Duration, s.cfg.MaxDelay.Duration)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	e := &entry{
		ID:          uuid.New(),
		Proof:       proof,
		Recipient:   recipient,
		Amount:      amount,
		ChunkID:     chunkID,
		SubmittedAt: now,
		ExecuteAt:   now.Add(delay),
	}

	s.mu.Lock()
	s.queue = append(s.queue, e)
	if !s.processing {
		s.processing = true
		s.wg.Add(1)
		go s.process()
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}

	log.Infof("queued withdrawal %s for chunk %d, executes at %s", e.ID, e.ChunkID, e.ExecuteAt.Format(time.RFC3339))
	return hex.EncodeToString(e.ID[:]), e.ExecuteAt, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	s.mu.Lock()
	length := len(s.queue)
	processing := s.processing
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queueLength": length,
		"processing":  processing,
		"fee":         s.cfg.Fee,
		"maxDelay":    int64(s.cfg.MaxDelay.Duration.Seconds()),
	})
}

func validateSubmit(req submitRequest) error {
	p := req.Proof
	if len(p.PiA) == 0 || len(p.PiB) == 0 || len(p.PiC) == 0 || p.Protocol == "" || p.Curve == "" {
		return errors.New("proof is structurally incomplete")
	}
	if l := len(req.Recipient); l < 32 || l > 44 {
		return errors.New("recipient length out of range")
	}
	if _, err := base58.Decode(req.Recipient); err != nil {
		return errors.New("recipient is not base58")
	}
	if req.Amount == 0 || req.Amount > maxAmount {
		return errors.New("amount out of range")
	}
	if req.ChunkID > maxChunkID {
		return errors.New("chunk id out of range")
	}
	return nil
}

// process drains the queue, sleeping until the earliest execute_at when
// nothing is ready. It exits once the queue is empty.
func (s *Service) process() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			s.mu.Unlock()
			return
		}
		now := time.Now()
		var ready []*entry
		earliest := s.queue[0].ExecuteAt
		for _, e := range s.queue {
			if !e.ExecuteAt.After(now) {
				ready = append(ready, e)
			}
			if e.ExecuteAt.Before(earliest) {
				earliest = e.ExecuteAt
			}
		}
		s.mu.Unlock()

		if len(ready) == 0 {
			timer := time.NewTimer(time.Until(earliest))
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			case <-s.quit:
				timer.Stop()
				s.mu.Lock()
				s.processing = false
				s.mu.Unlock()
				return
			}
			continue
		}
		for _, e := range ready {
			select {
			case <-s.quit:
				s.mu.Lock()
				s.processing = false
				s.mu.Unlock()
				return
			default:
			}
			s.submit(e)
		}
	}
}

// submit sends one entry on-chain. A duplicate nullifier drops the entry;
// any other failure re-arms it at now + retryDelay.
func (s *Service) submit(e *entry) {
	nh, err := nullifierHashFromSignals(e.Proof)
	if err != nil {
		log.Warnf("dropping withdrawal %s: %v", e.ID, err)
		s.remove(e.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	txID, err := s.backend.SubmitWithdraw(ctx, e.Proof, e.Recipient, e.ChunkID, nh)
	if err == nil {
		log.Infof("withdrawal %s submitted as %s", e.ID, txID)
		s.remove(e.ID)
		return
	}
	var rejected *gerror.ChainRejectedError
	if errors.As(err, &rejected) && rejected.Reason == "duplicate_nullifier" {
		log.Warnf("dropping withdrawal %s: nullifier already spent", e.ID)
		s.remove(e.ID)
		return
	}
	log.Warnf("withdrawal %s failed, retrying in %s: %v", e.ID, retryDelay, err)
	s.mu.Lock()
	e.ExecuteAt = time.Now().Add(retryDelay)
	s.mu.Unlock()
}

func (s *Service) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// nullifierHashFromSignals recovers the published nullifier hash from the
// proof's public signals.
func nullifierHashFromSignals(p prover.Proof) (*big.Int, error) {
	if len(p.PublicSignals) <= prover.WithdrawSignalNullifierHash {
		return nil, errors.Wrap(gerror.ErrBadInput, "proof carries no nullifier hash signal")
	}
	v, ok := new(big.Int).SetString(p.PublicSignals[prover.WithdrawSignalNullifierHash], 10)
	if !ok || !poseidon.InField(v) {
		return nil, errors.Wrap(gerror.ErrBadInput, "nullifier hash signal is not a field element")
	}
	return v, nil
}

// randomDelay draws a uniform delay in [min, max] from the system CSPRNG.
func randomDelay(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	span := big.NewInt(int64(max-min) + 1)
	n, err := crand.Int(crand.Reader, span)
	if err != nil {
		return 0, errors.Wrap(err, "reading randomness for delay")
	}
	return min + time.Duration(n.Int64()), nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
