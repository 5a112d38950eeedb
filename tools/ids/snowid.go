package ids

import (
	"strconv"
	"sync"
	"time"
)

// Generator hands out snowflake ids: 41 bits of milliseconds since epoch,
// 10 bits of node, 12 bits of sequence.
type Generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() time.Time
}

// NewGenerator returns a generator for the given node. Out of range nodes map to 1.
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Generator{
		epochMS: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		nodeID:  nodeID,
		now:     time.Now,
	}
}

// NodeFromString folds an arbitrary node name (e.g. "gateway-01") into a
// stable 10 bit node number.
func NodeFromString(name string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return int64(h % 1024)
}

// ConnectionID returns an opaque connection id, unique across nodes:
// "<prefix>-<base36 snowflake>".
func (g *Generator) ConnectionID(prefix string) string {
	id := strconv.FormatInt(g.Next(), 36)
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// clock moved backwards, wait it out
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - g.epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}
