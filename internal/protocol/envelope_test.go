package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request_Valid(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"request","id":1,"method":"chat/send","params":{"text":"hi"}}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, "chat/send", env.Method)
}

func TestDecode_Request_MissingID(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"request","method":"chat/send"}`)
	_, err := Decode(raw)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestDecode_Request_MissingMethod(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"request","id":1}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecode_WrongVersion(t *testing.T) {
	raw := []byte(`{"version":"9.9.9","kind":"request","id":1,"method":"x"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecode_UnknownKind(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"bogus"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDecode_ResponseError_RequiresMessage(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"response-error","id":1}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecode_Notification_RequiresMethod(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"notification"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecode_Broadcast_Valid(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"broadcast","method":"room/peer-joined","params":{}}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindBroadcast, env.Kind)
}

func TestDecode_Error_RequiresMessage(t *testing.T) {
	raw := []byte(`{"version":"0.1.0","kind":"error"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestRoundTrip_RequestResponse(t *testing.T) {
	type params struct {
		Text string `json:"text"`
	}
	req, err := NewRequest(1, "chat/send", params{Text: "hi"})
	require.NoError(t, err)
	data, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, decoded.Kind)

	p, err := UnmarshalParams[params](decoded.Params)
	require.NoError(t, err)
	assert.Equal(t, "hi", p.Text)

	resp, err := NewResponse(decoded.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	respData, err := Encode(resp)
	require.NoError(t, err)

	decodedResp, err := Decode(respData)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, decodedResp.Kind)
	assert.JSONEq(t, `1`, string(decodedResp.ID))
}

func TestUnmarshalParams_EmptyRaw(t *testing.T) {
	type params struct {
		Text string `json:"text"`
	}
	p, err := UnmarshalParams[params](nil)
	require.NoError(t, err)
	assert.Equal(t, params{}, p)
}

func TestUnmarshalParams_Invalid(t *testing.T) {
	type params struct {
		Text string `json:"text"`
	}
	_, err := UnmarshalParams[params](json.RawMessage(`{"text": 5}`))
	require.Error(t, err)
}

func TestNewBroadcast_StampsClientID(t *testing.T) {
	env, err := NewBroadcast("peer-123", "room/peer-joined", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "peer-123", env.ClientID)
}

func TestNewResponseError(t *testing.T) {
	id := json.RawMessage(`"abc"`)
	env := NewResponseError(id, "not found")
	assert.Equal(t, KindResponseError, env.Kind)
	assert.Equal(t, "not found", env.Message)
}
