package bedrock

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flowgate/gateway/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame encodes one event stream frame the way Bedrock emits them.
func buildFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()

	var headers bytes.Buffer
	writeHeader := func(name, value string) {
		headers.WriteByte(byte(len(name)))
		headers.WriteString(name)
		headers.WriteByte(headerTypeString)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(value)))
		headers.Write(l[:])
		headers.WriteString(value)
	}
	writeHeader(":event-type", eventType)
	writeHeader(":content-type", "application/json")

	totalLen := 12 + headers.Len() + len(payload) + 4
	var out bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(totalLen))
	out.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(headers.Len()))
	out.Write(u32[:])
	out.Write([]byte{0, 0, 0, 0}) // prelude CRC, not verified
	out.Write(headers.Bytes())
	out.Write(payload)
	out.Write([]byte{0, 0, 0, 0}) // message CRC, not verified
	return out.Bytes()
}

func TestEventStreamReader_DecodesFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildFrame(t, "contentBlockDelta", []byte(`{"contentBlockIndex":0,"delta":{"text":"Hel"}}`)))
	stream.Write(buildFrame(t, "messageStop", []byte(`{"stopReason":"end_turn"}`)))

	r := newEventStreamReader(&stream)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "contentBlockDelta", first.EventType())

	var delta streamContentBlockDelta
	require.NoError(t, json.Unmarshal(first.Payload, &delta))
	assert.Equal(t, "Hel", delta.Delta.Text)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "messageStop", second.EventType())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStreamReader_MalformedPreludeIsAnError(t *testing.T) {
	r := newEventStreamReader(strings.NewReader("\x00\x00\x00\x05\x00\x00\x00\xff\x00\x00\x00\x00"))
	_, err := r.Next()
	assert.Error(t, err)
}

func TestConvertMessages_SystemAndToolMapping(t *testing.T) {
	system, out, err := convertMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "be terse"},
		{Role: llm.RoleUser, Content: "what time is it"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "clock", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: llm.RoleTool, ToolCallID: "call-1", Content: "12:00"},
	})
	require.NoError(t, err)

	require.Len(t, system, 1)
	assert.Equal(t, "be terse", system[0].Text)

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	require.NotNil(t, out[1].Content[0].ToolUse)
	assert.Equal(t, "call-1", out[1].Content[0].ToolUse.ToolUseID)

	// Tool results come back as user-role toolResult blocks.
	assert.Equal(t, "user", out[2].Role)
	require.NotNil(t, out[2].Content[0].ToolResult)
	assert.Equal(t, "call-1", out[2].Content[0].ToolResult.ToolUseID)
}

func TestConvertMessages_URLImagesUnsupported(t *testing.T) {
	_, _, err := convertMessages([]llm.Message{
		{Role: llm.RoleUser, Images: []llm.ImageContent{{Type: "url", URL: "https://example.com/x.png"}}},
	})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnsupportedInput, llmErr.Code)
}

func TestSignV4_SetsAuthorizationAndDate(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/m/converse", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	creds := credentials{AccessKeyID: "AKID", SecretAccessKey: "secret", SessionToken: "token"}
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	signV4(req, creds, "bedrock", "us-east-1", hexSHA256([]byte("{}")), at)

	assert.Equal(t, "20260115T103000Z", req.Header.Get("X-Amz-Date"))
	assert.Equal(t, "token", req.Header.Get("X-Amz-Security-Token"))

	auth := req.Header.Get("Authorization")
	assert.Contains(t, auth, "AWS4-HMAC-SHA256 Credential=AKID/20260115/us-east-1/bedrock/aws4_request")
	assert.Contains(t, auth, "SignedHeaders=")
	assert.Contains(t, auth, "Signature=")

	// Same inputs must produce the same signature.
	req2, _ := http.NewRequest(http.MethodPost,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/m/converse", strings.NewReader("{}"))
	req2.Header.Set("Content-Type", "application/json")
	signV4(req2, creds, "bedrock", "us-east-1", hexSHA256([]byte("{}")), at)
	assert.Equal(t, auth, req2.Header.Get("Authorization"))
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":         "stop",
		"stop_sequence":    "stop",
		"max_tokens":       "length",
		"tool_use":         "tool_calls",
		"content_filtered": "content_filter",
		"other":            "other",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStopReason(in))
	}
}
