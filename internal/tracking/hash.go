package tracking

import (
	"encoding/hex"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const hashVersion = 1

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2), so equal field
// values always encode to identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tracking: CBOR encoder initialization failed: " + err.Error())
	}
}

// hashFieldsV1 enumerates every snapshot field a client re-renders on.
// EstimatedMinutes is left out on purpose: it moves with the global average
// and would report a change on nearly every poll. Adding a field here means
// bumping hashVersion.
type hashFieldsV1 struct {
	Version       int    `cbor:"0,keyasint"`
	QueueID       string `cbor:"1,keyasint"`
	Number        int64  `cbor:"2,keyasint"`
	ServiceID     string `cbor:"3,keyasint"`
	ServiceName   string `cbor:"4,keyasint"`
	VisitorName   string `cbor:"5,keyasint"`
	Status        string `cbor:"6,keyasint"`
	WaitingBefore int    `cbor:"7,keyasint"`
	CreatedAt     int64  `cbor:"8,keyasint"`
	StartTime     int64  `cbor:"9,keyasint"`
	EndTime       int64  `cbor:"10,keyasint"`
	SurveyFilled  bool   `cbor:"11,keyasint"`
}

// Hash returns a hex digest over the rendered fields of s. Snapshots with
// the same hash render identically.
func Hash(s Snapshot) string {
	fields := hashFieldsV1{
		Version:       hashVersion,
		QueueID:       s.QueueID,
		Number:        s.Number,
		ServiceID:     s.ServiceID,
		ServiceName:   s.ServiceName,
		VisitorName:   s.VisitorName,
		Status:        string(s.Status),
		WaitingBefore: s.WaitingBefore,
		CreatedAt:     unixNanos(&s.CreatedAt),
		StartTime:     unixNanos(s.StartTime),
		EndTime:       unixNanos(s.EndTime),
		SurveyFilled:  s.SurveyFilled,
	}
	encoded, err := encMode.Marshal(fields)
	if err != nil {
		// Fixed scalar fields cannot fail to encode.
		panic("tracking: encode hash fields: " + err.Error())
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func unixNanos(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
