package protocol

import (
	"bufio"
	"strings"
	"testing"

	"dynofabric/internal/core"
	"github.com/stretchr/testify/require"
)

func parseLine(t *testing.T, line string) (Frame, error) {
	t.Helper()
	return Parse(bufio.NewReader(strings.NewReader(line)))
}

func TestParseGet(t *testing.T) {
	f, err := parseLine(t, "GET foo\r\n")
	require.NoError(t, err)
	require.Equal(t, core.OpRead, f.Type)
	require.True(t, f.IsRead)
	require.Equal(t, "foo", string(f.Key))
}

func TestParseSet(t *testing.T) {
	f, err := parseLine(t, "SET foo bar\r\n")
	require.NoError(t, err)
	require.Equal(t, core.OpWrite, f.Type)
	require.False(t, f.IsRead)
	require.False(t, f.NoReply)
	require.Equal(t, "bar", string(f.Value))
}

func TestParseSetNoReply(t *testing.T) {
	f, err := parseLine(t, "SET foo bar NOREPLY\r\n")
	require.NoError(t, err)
	require.True(t, f.NoReply)
}

func TestParseDel(t *testing.T) {
	f, err := parseLine(t, "DEL foo\r\n")
	require.NoError(t, err)
	require.Equal(t, core.OpDelete, f.Type)
}

func TestParseConfig(t *testing.T) {
	f, err := parseLine(t, "CONFIG read\r\n")
	require.NoError(t, err)
	require.Equal(t, core.OpConsistencyControl, f.Type)
	require.Equal(t, "read", f.Admin)
}

func TestParseQuit(t *testing.T) {
	_, err := parseLine(t, "QUIT\r\n")
	require.ErrorIs(t, err, ErrQuit)
}

func TestParseEmptyLine(t *testing.T) {
	_, err := parseLine(t, "\r\n")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestParseMalformed(t *testing.T) {
	_, err := parseLine(t, "SET onlykey\r\n")
	require.ErrorIs(t, err, ErrParse)

	_, err = parseLine(t, "BOGUS x y\r\n")
	require.ErrorIs(t, err, ErrParse)
}

func TestWriteValueFound(t *testing.T) {
	require.Equal(t, "bar\r\n", string(WriteValue([]byte("bar"), true)))
}

func TestWriteValueNotFound(t *testing.T) {
	require.Equal(t, "NOT_FOUND\r\n", string(WriteValue(nil, false)))
}

func TestWriteInteger(t *testing.T) {
	require.Equal(t, "1\r\n", string(WriteInteger(1)))
}

func TestSerializeRequestRoundTripsThroughParse(t *testing.T) {
	line := SerializeRequest([][]byte{[]byte("SET"), []byte("k1"), []byte("v1")})
	require.Equal(t, "SET k1 v1\r\n", string(line))

	frame, err := parseLine(t, string(line))
	require.NoError(t, err)
	require.Equal(t, []byte("k1"), frame.Key)
	require.Equal(t, []byte("v1"), frame.Value)
}

func TestIsErrorPayload(t *testing.T) {
	require.True(t, IsErrorPayload(WriteError("EINVAL")))
	require.False(t, IsErrorPayload(WriteValue([]byte("bar"), true)))
}
