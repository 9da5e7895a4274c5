package types

import "encoding/json"

// Codec pairs are opaque to the transport: decode(encode(m)) == m for all
// well-formed values.

// EncodeMessage serializes a Message for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a Message off the wire. A failure here is an
// ErrDecodeFailure from the caller's perspective; this function returns
// the underlying json error so callers can log it before substituting
// ErrDecodeFailure.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// EncodeSignal serializes a Signal for embedding as a Message payload.
func EncodeSignal(s Signal) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSignal deserializes a Signal embedded as a Message payload.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	err := json.Unmarshal(data, &s)
	return s, err
}

// EncodeReport serializes a Report (or Witness) for embedding in a
// Signal's Value.
func EncodeReport(r Report) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReport deserializes a Report (or Witness) embedded in a Signal's
// Value.
func DecodeReport(data []byte) (Report, error) {
	var r Report
	err := json.Unmarshal(data, &r)
	return r, err
}

// EncodeAggregatedReport serializes an AggregatedReport (or
// AggregatedWitness) for embedding in a Signal's Value.
func EncodeAggregatedReport(a AggregatedReport) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAggregatedReport deserializes an AggregatedReport (or
// AggregatedWitness) embedded in a Signal's Value.
func DecodeAggregatedReport(data []byte) (AggregatedReport, error) {
	var a AggregatedReport
	err := json.Unmarshal(data, &a)
	return a, err
}
