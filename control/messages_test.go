package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferWireShape(t *testing.T) {
	offer := testOffer(t)
	data, err := json.Marshal(SenderMessage{
		Type:           SenderMessageOffer,
		SequenceNumber: 7,
		Valid:          true,
		Offer:          offer,
	})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "OFFER", generic["type"])
	assert.Equal(t, float64(7), generic["seqNum"])

	body := generic["offer"].(map[string]any)
	assert.Equal(t, "mirroring", body["castMode"])
	streams := body["supportedStreams"].([]any)
	require.Len(t, streams, 2)

	audio := streams[0].(map[string]any)
	assert.Equal(t, "audio_source", audio["type"])
	assert.Equal(t, "1/48000", audio["timeBase"])
	assert.Equal(t, float64(96), audio["rtpPayloadType"])

	video := streams[1].(map[string]any)
	assert.Equal(t, "video_source", video["type"])
	assert.Equal(t, "30000/1001", video["maxFrameRate"])
}

func TestParseSenderMessageOffer(t *testing.T) {
	offer := testOffer(t)
	data, err := json.Marshal(SenderMessage{Type: SenderMessageOffer, SequenceNumber: 3, Offer: offer})
	require.NoError(t, err)

	msg, err := ParseSenderMessage(data)
	require.NoError(t, err)
	assert.True(t, msg.Valid)
	assert.Equal(t, 3, msg.SequenceNumber)
	require.NotNil(t, msg.Offer)
	assert.Equal(t, *offer, *msg.Offer)
}

func TestParseSenderMessageInvalidBodies(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantErr   error
		wantValid bool
		wantType  SenderMessageType
	}{
		{"not json", `{"type":`, ErrMalformedMessage, false, ""},
		{"unknown type", `{"type":"PRESENTATION","seqNum":1}`, ErrUnknownMessageType, false, ""},
		{"offer without body", `{"type":"OFFER","seqNum":1}`, nil, false, SenderMessageOffer},
		{"offer without streams", `{"type":"OFFER","seqNum":1,"offer":{"castMode":"mirroring","supportedStreams":[]}}`, nil, false, SenderMessageOffer},
		{"offer with bad stream", `{"type":"OFFER","seqNum":1,"offer":{"supportedStreams":[{"type":"audio_source","index":0}]}}`, nil, false, SenderMessageOffer},
		{"capabilities", `{"type":"GET_CAPABILITIES","seqNum":4}`, nil, true, SenderMessageGetCapabilities},
		{"capabilities without seq", `{"type":"GET_CAPABILITIES"}`, nil, false, SenderMessageGetCapabilities},
		{"rpc", `{"type":"RPC","rpc":"AQID"}`, nil, true, SenderMessageRPC},
		{"rpc bad base64", `{"type":"RPC","rpc":"!!"}`, nil, false, SenderMessageRPC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseSenderMessage([]byte(tt.json))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.wantValid, msg.Valid)
		})
	}
}

func TestParseReceiverMessage(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantErr   bool
		wantValid bool
		wantCode  int
	}{
		{"valid answer", `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0],"ssrcs":[2]}}`, false, true, 0},
		{"ok without body", `{"type":"ANSWER","seqNum":1,"result":"ok"}`, false, false, 0},
		{"error with code", `{"type":"ANSWER","seqNum":1,"result":"error","error":{"code":3,"description":"no streams selected"}}`, false, false, 3},
		{"error with malformed body", `{"type":"ANSWER","seqNum":1,"result":"error","error":"oops"}`, false, false, -1},
		{"missing seq", `{"type":"ANSWER","result":"ok"}`, true, false, 0},
		{"capabilities", `{"type":"CAPABILITIES_RESPONSE","seqNum":2,"result":"ok","capabilities":{"remoting":2,"mediaCaps":["video","vp8"]}}`, false, true, 0},
		{"unknown", `{"type":"STATUS","seqNum":2}`, true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseReceiverMessage([]byte(tt.json))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, msg.Valid)
			switch {
			case tt.wantCode > 0:
				require.NotNil(t, msg.Error)
				assert.Equal(t, tt.wantCode, msg.Error.Code)
			case tt.wantCode < 0:
				assert.Nil(t, msg.Error)
			}
		})
	}
}

func TestReceiverMessageMarshalError(t *testing.T) {
	data, err := json.Marshal(ReceiverMessage{
		Type:           ReceiverMessageAnswer,
		SequenceNumber: 9,
		Error:          &ReceiverErrorBody{Code: ErrorCodeNoStreamSelected, Description: "no streams selected"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ANSWER","seqNum":9,"result":"error","error":{"code":3,"description":"no streams selected"}}`, string(data))
}

func TestAnswerIsValid(t *testing.T) {
	tests := []struct {
		name   string
		answer Answer
		want   bool
	}{
		{"selects two", Answer{UDPPort: 2344, SendIndexes: []int{0, 1}, SSRCs: []uint32{2, 3}}, true},
		{"selects none", Answer{UDPPort: 2344}, true},
		{"bad port", Answer{UDPPort: 0, SendIndexes: []int{0}, SSRCs: []uint32{2}}, false},
		{"count mismatch", Answer{UDPPort: 2344, SendIndexes: []int{0, 1}, SSRCs: []uint32{2}}, false},
		{"duplicate index", Answer{UDPPort: 2344, SendIndexes: []int{1, 1}, SSRCs: []uint32{2, 3}}, false},
		{"zero ssrc", Answer{UDPPort: 2344, SendIndexes: []int{1}, SSRCs: []uint32{0}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.answer.IsValid())
		})
	}
}

func TestSimpleFraction(t *testing.T) {
	f, err := ParseSimpleFraction("30000/1001")
	require.NoError(t, err)
	assert.InDelta(t, 29.97, f.Float64(), 0.01)
	assert.True(t, f.IsPositive())

	f, err = ParseSimpleFraction("60")
	require.NoError(t, err)
	assert.Equal(t, "60", f.String())

	_, err = ParseSimpleFraction("x/2")
	assert.ErrorIs(t, err, ErrInvalidFraction)

	assert.False(t, SimpleFraction{1, 0}.IsPositive())
	assert.False(t, SimpleFraction{-30, 1}.IsPositive())

	var fromNumber SimpleFraction
	require.NoError(t, json.Unmarshal([]byte(`25`), &fromNumber))
	assert.Equal(t, SimpleFraction{25, 1}, fromNumber)
}
