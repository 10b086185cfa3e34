package redis

// Redis key naming conventions for queue data.
// All keys are prefixed with "moroq:" to avoid collisions.

const keyPrefix = "moroq:"

// jobKey returns the key for a job record: moroq:{queue}:job:{id}
func jobKey(queue, id string) string { return keyPrefix + queue + ":job:" + id }

// waitingKey returns the Sorted Set of dispatchable jobs:
// moroq:{queue}:waiting (score = priority + enqueue-time component)
func waitingKey(queue string) string { return keyPrefix + queue + ":waiting" }

// delayedKey returns the Sorted Set of delayed jobs:
// moroq:{queue}:delayed (score = RunAt in unix milliseconds)
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }

// idsKey is the Set tracking all job IDs of a queue for enumeration.
func idsKey(queue string) string { return keyPrefix + queue + ":ids" }

// pausedKey flags a paused queue: moroq:{queue}:paused
func pausedKey(queue string) string { return keyPrefix + queue + ":paused" }

// jobScore folds priority and enqueue time into one sortable score:
// lower priority values sort first, and within a priority tier earlier
// enqueue times sort first. The millisecond component keeps FIFO order
// within a tier.
func jobScore(priority int, enqueuedUnixMilli int64) float64 {
	return float64(priority)*1e13 + float64(enqueuedUnixMilli)
}
