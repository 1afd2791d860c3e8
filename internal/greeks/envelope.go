package greeks

import (
	"encoding/json"
	"time"
)

// envelope is the required wrapper described in spec §3: the core reads
// only Timestamp; Payload is passed through opaque to whichever calculator
// produced it.
type envelope struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   Greeks    `json:"payload"`
}

func encodeEnvelope(ts time.Time, g Greeks) []byte {
	b, _ := json.Marshal(envelope{Timestamp: ts, Payload: g})
	return b
}

func decodeSnapshot(raw []byte) *Snapshot {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return &Snapshot{
		Spot:         env.Payload["spot"],
		Vol:          env.Payload["iv"],
		Delta:        env.Payload["delta"],
		TimestampAt:  env.Timestamp,
		TimeToExpiry: env.Payload["time_to_expiry_days"],
	}
}
