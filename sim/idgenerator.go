package sim

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

var (
	idGeneratorOnce sync.Once
	idGeneratorMode atomic.Int32
	idGenerator     IDGenerator
)

const (
	sequentialIDs int32 = iota
	parallelIDs
)

// UseParallelIDGenerator makes the IDs globally unique across runs instead of
// sequential. It must be called before the first ID is generated.
func UseParallelIDGenerator() {
	idGeneratorMode.Store(parallelIDs)
}

// GetIDGenerator returns the ID generator used in the current simulation
func GetIDGenerator() IDGenerator {
	idGeneratorOnce.Do(func() {
		if idGeneratorMode.Load() == parallelIDs {
			idGenerator = parallelIDGenerator{}
			return
		}

		idGenerator = &sequentialIDGenerator{}
	})

	return idGenerator
}

type sequentialIDGenerator struct {
	nextID atomic.Uint64
}

func (g *sequentialIDGenerator) Generate() string {
	return strconv.FormatUint(g.nextID.Add(1), 10)
}

type parallelIDGenerator struct{}

func (parallelIDGenerator) Generate() string {
	return xid.New().String()
}
