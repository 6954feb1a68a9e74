package wireproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func identity(b []byte) {}

func TestEncodeParseRequestRoundTrip(t *testing.T) {
	iv := make([]byte, ivSize)
	for i := range iv {
		iv[i] = byte(i)
	}

	frame, err := EncodeRequest("example.com", "8080", iv)
	require.NoError(t, err)
	require.Len(t, frame, RequestSize)

	req, err := ParseRequest(frame, identity)
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, "8080", req.Port)
	require.Equal(t, iv, req.IV[:])
}

func TestEncodeRequestRejectsOversizedFields(t *testing.T) {
	iv := make([]byte, ivSize)

	longHost := make([]byte, hostSize)
	for i := range longHost {
		longHost[i] = 'a'
	}
	_, err := EncodeRequest(string(longHost), "80", iv)
	require.Error(t, err)

	_, err = EncodeRequest("host", "80", iv[:ivSize-1])
	require.Error(t, err)
}

func TestParseRequestRejectsWrongSize(t *testing.T) {
	_, err := ParseRequest(make([]byte, RequestSize-1), identity)
	require.Error(t, err)
}

func TestParseRequestRejectsBadMagic(t *testing.T) {
	frame := make([]byte, RequestSize)
	_, err := ParseRequest(frame, identity)
	require.Error(t, err)
}

func TestReplyRoundTrip(t *testing.T) {
	ok := EncodeReply(true)
	matched, err := ParseReply(ok, identity)
	require.NoError(t, err)
	require.True(t, matched)

	fail := EncodeReply(false)
	matched, err = ParseReply(fail, identity)
	require.NoError(t, err)
	require.False(t, matched)
}

func TestParseReplyRejectsWrongSize(t *testing.T) {
	_, err := ParseReply(make([]byte, 3), identity)
	require.Error(t, err)
}
