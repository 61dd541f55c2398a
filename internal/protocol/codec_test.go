package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValidFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{"create", Frame{Op: OpCreate, Seq: 1, Collection: "calls"}},
		{"set merge", Frame{Op: OpSet, Seq: 2, Collection: "calls", ID: "abc", Mode: ModeMerge,
			Fields: map[string]interface{}{"answer": map[string]interface{}{"type": "answer", "sdp": "v=0"}}}},
		{"get", Frame{Op: OpGet, Seq: 3, Collection: "calls", ID: "abc"}},
		{"append", Frame{Op: OpAppend, Seq: 4, Collection: "calls/abc/offererCandidates",
			Fields: map[string]interface{}{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}},
		{"subscribe doc", Frame{Op: OpSubscribeDoc, Seq: 5, Collection: "calls", ID: "abc"}},
		{"subscribe coll", Frame{Op: OpSubscribeColl, Seq: 6, Collection: "calls/abc/answererCandidates"}},
		{"unsubscribe", Frame{Op: OpUnsubscribe, Seq: 5}},
		{"result ok", Frame{Op: OpResult, Seq: 1, ID: "abc"}},
		{"result error", Frame{Op: OpResult, Seq: 3, Code: CodeNotFound, Message: "missing"}},
		{"event", Frame{Op: OpEvent, Seq: 5, Kind: "modified", ID: "abc",
			Fields: map[string]interface{}{"offer": "x"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(&tc.frame)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, tc.frame.Op, got.Op)
			assert.Equal(t, tc.frame.Seq, got.Seq)
			assert.Equal(t, tc.frame.Collection, got.Collection)
			assert.Equal(t, tc.frame.ID, got.ID)
			assert.Equal(t, tc.frame.Mode, got.Mode)
			assert.Equal(t, tc.frame.Kind, got.Kind)
			assert.Equal(t, tc.frame.Code, got.Code)
			assert.Equal(t, tc.frame.Fields, got.Fields)
		})
	}
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"unknown op", `{"op":"delete","seq":1}`},
		{"zero seq", `{"op":"create","collection":"calls"}`},
		{"create without collection", `{"op":"create","seq":1}`},
		{"get without id", `{"op":"get","seq":1,"collection":"calls"}`},
		{"set without mode", `{"op":"set","seq":1,"collection":"calls","id":"a"}`},
		{"set with bad mode", `{"op":"set","seq":1,"collection":"calls","id":"a","mode":"upsert"}`},
		{"event without kind", `{"op":"event","seq":1}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	_, err := Encode(&Frame{Op: OpSet, Seq: 1, Collection: "calls"})
	assert.Error(t, err)
}

func TestIsRequest(t *testing.T) {
	assert.True(t, OpCreate.IsRequest())
	assert.True(t, OpUnsubscribe.IsRequest())
	assert.False(t, OpResult.IsRequest())
	assert.False(t, OpEvent.IsRequest())
}
