package badger

import "encoding/binary"

// Key layout. Job records are JSON values; the waiting and delayed
// indexes carry their sort order in the key bytes so a prefix iteration
// visits entries in dispatch order.
const (
	keyPrefixJob     = "job:"
	keyPrefixWaiting = "wait:"
	keyPrefixDelayed = "delay:"
	keyPrefixPaused  = "paused:"
)

// jobKey returns the record key: job:{queue}:{id}
func jobKey(queue, id string) []byte {
	return []byte(keyPrefixJob + queue + ":" + id)
}

// jobPrefix returns the record prefix for a whole queue.
func jobPrefix(queue string) []byte {
	return []byte(keyPrefixJob + queue + ":")
}

// waitingPrefix returns the waiting index prefix for a queue.
func waitingPrefix(queue string) []byte {
	return []byte(keyPrefixWaiting + queue + ":")
}

// waitingKey returns the waiting index key:
// wait:{queue}:{priority BE64}{seq BE64}{id} → id
// Lower priority values sort first; within a tier, earlier enqueue
// sequences sort first.
func waitingKey(queue string, priority int, seq int64, id string) []byte {
	prefix := waitingPrefix(queue)
	key := make([]byte, 0, len(prefix)+16+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(priority))
	key = binary.BigEndian.AppendUint64(key, uint64(seq))
	key = append(key, id...)
	return key
}

// delayedPrefix returns the delayed index prefix for a queue.
func delayedPrefix(queue string) []byte {
	return []byte(keyPrefixDelayed + queue + ":")
}

// delayedKey returns the delayed index key:
// delay:{queue}:{runAt BE64}{id} → id
func delayedKey(queue string, runAtUnixNano int64, id string) []byte {
	prefix := delayedPrefix(queue)
	key := make([]byte, 0, len(prefix)+8+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(runAtUnixNano))
	key = append(key, id...)
	return key
}

// delayedRunAt extracts the run-at timestamp from a delayed index key.
func delayedRunAt(queue string, key []byte) int64 {
	off := len(delayedPrefix(queue))
	return int64(binary.BigEndian.Uint64(key[off : off+8]))
}

// pausedKey flags a paused queue: paused:{queue}
func pausedKey(queue string) []byte {
	return []byte(keyPrefixPaused + queue)
}
