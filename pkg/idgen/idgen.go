// Package idgen generates client message ids (uuid) and frame request ids (sonyflake).
package idgen

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	mu       sync.Mutex
	flake    *sonyflake.Sonyflake
	fallback atomic.Uint64
)

// MachineID folds a device id into sonyflake's 16-bit machine id space so
// request ids from different devices of one user do not collide
func MachineID(deviceId string) uint16 {
	if deviceId == "" {
		return 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceId))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}

// Init configures request id generation for deviceId. Without it the first
// RequestID call initializes with machine id 1.
func Init(deviceId string) error {
	machineID := MachineID(deviceId)
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: epoch,
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if err != nil {
		return fmt.Errorf("failed to create sonyflake: %w", err)
	}
	mu.Lock()
	flake = sf
	mu.Unlock()
	return nil
}

func generator() *sonyflake.Sonyflake {
	mu.Lock()
	defer mu.Unlock()
	if flake == nil {
		flake, _ = sonyflake.New(sonyflake.Settings{
			StartTime: epoch,
			MachineID: func() (uint16, error) { return 1, nil },
		})
	}
	return flake
}

// ClientMessageID generates the idempotency key for an optimistic message
func ClientMessageID() string {
	return uuid.NewString()
}

// RequestID generates a frame request id with the given prefix, e.g. "sync-123".
// Falls back to a time plus counter id when sonyflake is unavailable.
func RequestID(prefix string) string {
	var id string
	if sf := generator(); sf != nil {
		if n, err := sf.NextID(); err == nil {
			id = strconv.FormatUint(n, 10)
		}
	}
	if id == "" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), fallback.Add(1))
	}
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
