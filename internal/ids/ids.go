package ids

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// generator mints monotonic ULIDs: ids created within the same millisecond
// still sort in mint order, so tenant listings stay in insertion order
// without a separate sequence column.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newGenerator() *generator {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	}
	src := mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	return &generator{entropy: ulid.Monotonic(src, 0)}
}

func (g *generator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

var defaultGenerator = newGenerator()

// New returns a lexicographically sortable grant identifier.
func New() string {
	return defaultGenerator.next()
}
