package types_test

import (
	"bytes"
	"testing"

	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

func TestMessageRoundTrip(t *testing.T) {
	inst := uint64(7)
	want := types.Message{
		Protocol: types.Witness,
		Sender:   3,
		Instance: &inst,
		Round:    2,
		Payload:  []byte("payload"),
	}

	data, err := types.EncodeMessage(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := types.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Protocol != want.Protocol || got.Sender != want.Sender || got.Round != want.Round {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, want)
	}
	if got.Instance == nil || *got.Instance != *want.Instance {
		t.Fatalf("instance mismatch: got %v, want %v", got.Instance, want.Instance)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, want.Payload)
	}
}

func TestMessageRoundTripNilInstance(t *testing.T) {
	want := types.Message{Protocol: types.Basic, Sender: 1, Round: 0, Payload: []byte("x")}
	data, err := types.EncodeMessage(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := types.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Instance != nil {
		t.Fatalf("instance: got %v, want nil", got.Instance)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	want := types.Signal{Kind: types.Vote, Sender: 2, Instance: 5, Round: 1, Value: []byte("v")}
	data, err := types.EncodeSignal(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := types.DecodeSignal(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != want.Kind || got.Sender != want.Sender || got.Instance != want.Instance || got.Round != want.Round {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, want)
	}
	if !bytes.Equal(got.Value, want.Value) {
		t.Fatalf("value mismatch: got %q, want %q", got.Value, want.Value)
	}
}

func TestReportRoundTripPreservesTagAndPairs(t *testing.T) {
	want := types.Report{
		Tag: types.Validated,
		Pairs: map[types.NodeID][]byte{
			0: []byte("a"),
			1: []byte("b"),
		},
	}
	data, err := types.EncodeReport(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := types.DecodeReport(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tag != want.Tag {
		t.Fatalf("tag mismatch: got %v, want %v", got.Tag, want.Tag)
	}
	if len(got.Pairs) != len(want.Pairs) {
		t.Fatalf("pairs length mismatch: got %d, want %d", len(got.Pairs), len(want.Pairs))
	}
	for k, v := range want.Pairs {
		gv, ok := got.Pairs[k]
		if !ok || !bytes.Equal(gv, v) {
			t.Fatalf("pair %d mismatch: got %q, want %q", k, gv, v)
		}
	}
	if !got.IsWitness() {
		t.Fatalf("decoded report lost its Validated tag")
	}
}

func TestAggregatedReportRoundTrip(t *testing.T) {
	want := types.AggregatedReport{
		Tag: types.Unvalidated,
		Pairs: map[types.NodeID]types.Report{
			0: {Tag: types.Validated, Pairs: map[types.NodeID][]byte{0: []byte("x")}},
		},
	}
	data, err := types.EncodeAggregatedReport(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := types.DecodeAggregatedReport(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IsAggregatedWitness() {
		t.Fatalf("decoded aggregated report should not be validated")
	}
	inner, ok := got.Pairs[0]
	if !ok {
		t.Fatalf("missing pair for sender 0")
	}
	if !inner.IsWitness() {
		t.Fatalf("inner report lost its Validated tag")
	}
	if v := inner.Pairs[0]; !bytes.Equal(v, []byte("x")) {
		t.Fatalf("inner pair mismatch: got %q, want x", v)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := types.DecodeMessage([]byte("not json")); err == nil {
		t.Fatalf("decode: expected an error for malformed input")
	}
}
