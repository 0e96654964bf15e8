package publish

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/p2panda/node/internal/bamboo"
)

const lockStripes = 64

// logLocks serializes work on one (author, log id) pair. Distinct logs may
// share a stripe and then wait on each other, which only costs throughput.
type logLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *logLocks) lock(author bamboo.Author, logID bamboo.LogID) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write(author[:])
	var logBytes [8]byte
	binary.BigEndian.PutUint64(logBytes[:], logID.Uint64())
	_, _ = hasher.Write(logBytes[:])

	stripe := &l.stripes[hasher.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
