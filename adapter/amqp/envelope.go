package amqp

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Moro-JS/moro-sub006/job"
)

// encodeEnvelope serializes a job record for the wire.
func encodeEnvelope(j *job.Job) ([]byte, error) {
	body, err := msgpack.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("moroq/amqp: encode envelope: %w", err)
	}
	return body, nil
}

// decodeEnvelope restores a job record from the wire.
func decodeEnvelope(body []byte) (*job.Job, error) {
	var j job.Job
	if err := msgpack.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("moroq/amqp: decode envelope: %w", err)
	}
	return &j, nil
}
