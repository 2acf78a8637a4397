package bus

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/taskflow/errors"
)

// envelope is the wire form of an event on the NATS bus
type envelope struct {
	EventID  int    `msgpack:"e"`
	Payload  []byte `msgpack:"p"`
	PostedAt int64  `msgpack:"t"`
	Origin   string `msgpack:"o,omitempty"`
}

func encodeEnvelope(eventID int, payload []byte, origin string) ([]byte, error) {
	data, err := msgpack.Marshal(&envelope{
		EventID:  eventID,
		Payload:  payload,
		PostedAt: time.Now().UnixMilli(),
		Origin:   origin,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "bus", "encodeEnvelope", "marshal envelope")
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return envelope{}, errors.WrapInvalid(err, "bus", "decodeEnvelope", "unmarshal envelope")
	}
	return env, nil
}

// eventSubject returns the subject events for eventID travel on
func eventSubject(prefix string, eventID int) string {
	return fmt.Sprintf("%s.event.%s", prefix, strconv.Itoa(eventID))
}
