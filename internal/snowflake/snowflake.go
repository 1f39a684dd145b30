// Package snowflake generates time-ordered ids for relay sessions and
// relay-assigned messages: 42 bits of millisecond timestamp, 10 bits of worker
// id, 12 bits of per-millisecond increment.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	timestampLength int64 = 42
	timestampPos          = 64 - timestampLength
	workerLength    int64 = 10
	workerPos             = timestampPos - workerLength
	incrementLength       = 64 - (timestampLength + workerLength)
)

var (
	maxWorkerValue    = int64(1)<<workerLength - 1
	maxIncrementValue = int64(1)<<incrementLength - 1
)

// Generator is safe for concurrent use.
type Generator struct {
	mutex         sync.Mutex
	workerID      int64
	lastTimestamp int64
	lastIncrement int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID > maxWorkerValue {
		return nil, fmt.Errorf("worker ID value exceeds maximum value of [%d]", maxWorkerValue)
	}
	return &Generator{workerID: workerID}, nil
}

func (g *Generator) Generate() (int64, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	timestamp := time.Now().UnixMilli()
	if timestamp == g.lastTimestamp {
		g.lastIncrement++
		if g.lastIncrement > maxIncrementValue {
			return 0, fmt.Errorf("increment overflow after increment reached %d", g.lastIncrement)
		}
	} else {
		g.lastIncrement = 0
		g.lastTimestamp = timestamp
	}

	return timestamp<<timestampPos | g.workerID<<workerPos | g.lastIncrement, nil
}

// ExtractTimestamp returns the millisecond timestamp embedded in id.
func ExtractTimestamp(id int64) int64 {
	return id >> timestampPos
}
