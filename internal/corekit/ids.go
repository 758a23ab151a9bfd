package corekit

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewExternalID returns a UUIDv4 suitable for externally-facing
// identifiers such as conversation IDs. Run IDs come from NewSortableID.
func NewExternalID() string {
	return uuid.NewString()
}

// ulidMu serializes ULID generation so concurrent callers never race
// on the monotonic entropy source, the way the framework serializes access
// to shared non-threadsafe resources via a package-level mutex.
var ulidMu sync.Mutex
var ulidEntropy = ulid.Monotonic(cryptoRandReader{}, 0)

// NewSortableID returns a ULID: lexically sortable by creation time, used
// for run IDs and the call IDs stamped on UsageEvent rows so a ledger can
// order a run's events without a separate sequence column.
func NewSortableID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// cryptoRandReader adapts crypto/rand to the io.Reader ulid.Monotonic
// expects, avoiding the weaker math/rand default entropy source.
type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// randomString returns n random lowercase letters and digits. It has no
// uniqueness guarantee and is not used for identifiers; stage-2 response
// labels come from council's responseLabel, not from here.
func randomString(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
