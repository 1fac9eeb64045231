package depositbook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

const (
	bookFileName = "deposits.json"
	lockFileName = "deposits.lock"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Record is one deposit held by this agent. Records are never deleted; a
// withdraw flips Withdrawn and stamps WithdrawRef.
type Record struct {
	Code        string  `json:"code"`
	Commitment  string  `json:"commitment"`
	Amount      uint64  `json:"amount"`
	TxID        string  `json:"txId"`
	Timestamp   string  `json:"timestamp"`
	Withdrawn   bool    `json:"withdrawn"`
	WithdrawRef *string `json:"withdrawRef"`
	WithdrawnAt string  `json:"withdrawnAt,omitempty"`
	// LeafIndex is filled in the first time the commitment is located in its
	// chunk tree, so later withdraws skip the linear scan.
	LeafIndex *uint64 `json:"leafIndex,omitempty"`
}

// Book is the persistent deposit store. All operations are serialized by an
// internal mutex; an advisory file lock guards against a second process
// opening the same book.
type Book struct {
	mu       sync.Mutex
	path     string
	fileLock *flock.Flock
	records  []Record
}

// New opens (or creates) the deposit book in dir. The directory is created
// 0700 and the book file 0600.
func New(dir string) (*Book, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrap(err, "creating deposit book dir")
	}
	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "locking deposit book")
	}
	if !locked {
		return nil, errors.New("deposit book is locked by another process")
	}

	b := &Book{
		path:     filepath.Join(dir, bookFileName),
		fileLock: fl,
	}
	if err := b.load(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return b, nil
}

// Close releases the advisory lock.
func (b *Book) Close() error {
	return b.fileLock.Unlock()
}

func (b *Book) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.records = []Record{}
			return nil
		}
		return errors.Wrap(err, "reading deposit book")
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(gerror.ErrIntegrity, "deposit book is not a JSON array")
	}
	b.records = records
	return nil
}

// persist writes the full record array with temp-file + rename so readers
// always observe either the previous or the next state.
func (b *Book) persist() error {
	data, err := json.MarshalIndent(b.records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding deposit book")
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return errors.Wrap(err, "writing deposit book temp file")
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return errors.Wrap(err, "replacing deposit book")
	}
	return nil
}

// Add appends a record for a deposit that the chain has already accepted.
func (b *Book) Add(code, commitment string, amount uint64, txID string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := Record{
		Code:       code,
		Commitment: commitment,
		Amount:     amount,
		TxID:       txID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	b.records = append(b.records, rec)
	if err := b.persist(); err != nil {
		b.records = b.records[:len(b.records)-1]
		return Record{}, err
	}
	return rec, nil
}

// FindUnwithdrawn returns the oldest record with Withdrawn=false. When amount
// is non-nil, only records of that amount qualify.
func (b *Book) FindUnwithdrawn(amount *uint64) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range b.records {
		if rec.Withdrawn {
			continue
		}
		if amount != nil && rec.Amount != *amount {
			continue
		}
		return rec, nil
	}
	return Record{}, gerror.ErrNotFound
}

// MarkWithdrawn flips the record to withdrawn with the given reference. The
// caller must invoke this before any network submission; use Rollback if the
// submission fails.
func (b *Book) MarkWithdrawn(code, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(code)
	if i < 0 {
		return gerror.ErrNotFound
	}
	if b.records[i].Withdrawn {
		return gerror.ErrDepositAlreadyWithdrawn
	}
	prev := b.records[i]
	b.records[i].Withdrawn = true
	b.records[i].WithdrawRef = &reference
	b.records[i].WithdrawnAt = time.Now().UTC().Format(time.RFC3339)
	if err := b.persist(); err != nil {
		b.records[i] = prev
		return err
	}
	return nil
}

// UpdateWithdrawRef replaces the reference of an already-withdrawn record,
// used to swap the pre-mark sentinel for the relayer queue ID.
func (b *Book) UpdateWithdrawRef(code, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(code)
	if i < 0 {
		return gerror.ErrNotFound
	}
	if !b.records[i].Withdrawn {
		return gerror.ErrNotFound
	}
	prev := b.records[i]
	b.records[i].WithdrawRef = &reference
	if err := b.persist(); err != nil {
		b.records[i] = prev
		return err
	}
	return nil
}

// Rollback reverts a pre-marked record to the unwithdrawn state after a
// failed relayer submission.
func (b *Book) Rollback(code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(code)
	if i < 0 {
		return gerror.ErrNotFound
	}
	prev := b.records[i]
	b.records[i].Withdrawn = false
	b.records[i].WithdrawRef = nil
	b.records[i].WithdrawnAt = ""
	if err := b.persist(); err != nil {
		b.records[i] = prev
		return err
	}
	return nil
}

// SetLeafIndex stores the resolved leaf index of a commitment so future
// withdraws avoid rescanning the chunk.
func (b *Book) SetLeafIndex(code string, index uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(code)
	if i < 0 {
		return gerror.ErrNotFound
	}
	b.records[i].LeafIndex = &index
	return b.persist()
}

// List returns a copy of all records in insertion order.
func (b *Book) List() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Count returns the total number of records and how many remain unwithdrawn.
func (b *Book) Count() (total, unwithdrawn int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range b.records {
		if !rec.Withdrawn {
			unwithdrawn++
		}
	}
	return len(b.records), unwithdrawn
}

func (b *Book) indexOf(code string) int {
	for i := range b.records {
		if b.records[i].Code == code {
			return i
		}
	}
	return -1
}
