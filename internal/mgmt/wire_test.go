package mgmt

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/qerrors"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		Source:  "dom0",
		Method:  "admin.vm.property.Get",
		Dest:    "work",
		Arg:     "label",
		Payload: []byte("opaque\x00bytes"),
	}
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestRequestEmptyArgAndPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, Request{Source: "dom0", Method: "admin.vm.List", Dest: "dom0"}))

	got, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, "", got.Arg)
	require.Empty(t, got.Payload)
}

func TestRequestTruncatedHeaderIsProtocolError(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("dom0\x00admin.vm.List")))
	_, err := ReadRequest(r)
	require.Error(t, err)
	require.Equal(t, qerrors.Protocol, qerrors.KindOf(err))
}

func TestResponseOKRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, Response{OK: true, Payload: []byte("dom0 class=AdminVM state=Running\n")}))

	require.Equal(t, byte('0'), buf.Bytes()[0])
	require.Equal(t, byte(0), buf.Bytes()[1])

	got, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, got.OK)
	require.Equal(t, "dom0 class=AdminVM state=Running\n", string(got.Payload))
}

func TestResponseErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, Response{
		Kind:    qerrors.Validation,
		Message: "no such qube \"ghost\"",
		Args:    []string{"ghost"},
	}))

	require.Equal(t, byte('2'), buf.Bytes()[0])

	got, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.False(t, got.OK)
	require.Equal(t, qerrors.Validation, got.Kind)
	require.Equal(t, "no such qube \"ghost\"", got.Message)
	require.Equal(t, []string{"ghost"}, got.Args)
}

func TestResponseUnknownStatusRejected(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("9\x00")))
	_, err := ReadResponse(r)
	require.Error(t, err)
}

func TestEventFrameRoundTrip(t *testing.T) {
	frame := renderEventFrame("work", "domain-start", map[string]any{"qube": "work", "xid": 7})

	got, err := ReadEventFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	require.Equal(t, "work\x00domain-start\x00qube\x00work\x00xid\x007\x00", string(got))
}

func TestEventFrameNoKwargs(t *testing.T) {
	frame := renderEventFrame("", "connection-established", nil)

	got, err := ReadEventFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	require.Equal(t, "\x00connection-established\x00", string(got))
}

func TestSanitizeASCII(t *testing.T) {
	require.Equal(t, "work", SanitizeASCII("work"))
	require.Equal(t, "work", SanitizeASCII("work\x00"))
	require.Equal(t, "work", SanitizeASCII("w\x1bork"))
	require.Equal(t, "wrk", SanitizeASCII("wérk"))
}
