// Package protocol implements the text-line request/response codec the
// core treats as an external collaborator (spec's "parser contract"): a
// minimal memcached/Redis-style line protocol supporting GET, SET, DEL and
// the internal CONFIG admin command.
//
//	GET <key>\r\n
//	SET <key> <value> [NOREPLY]\r\n
//	DEL <key> [NOREPLY]\r\n
//	CONFIG read|write\r\n
//	QUIT\r\n
package protocol

import (
	"bufio"
	"errors"
	"strconv"
	"strings"

	"dynofabric/internal/core"
)

// ErrEmpty signals a blank line: filtered out, no response synthesized.
var ErrEmpty = errors.New("protocol: empty request")

// ErrQuit signals a client-initiated quit: the caller should half-close.
var ErrQuit = errors.New("protocol: quit")

// ErrParse signals a malformed line.
var ErrParse = errors.New("protocol: parse error")

// Frame is what the parser yields for one line: enough for the forwarding
// planner to classify the request without re-parsing the payload.
type Frame struct {
	Type    core.OpType
	IsRead  bool
	NoReply bool
	Key     []byte
	Value   []byte   // SET only
	Admin   string   // CONFIG target: "read" or "write"
	Payload [][]byte // raw buffers to enqueue on the cloned message
}

// Parse reads one line of input and produces a Frame. Lines are consumed
// whole (no partial-frame state) — callers hold unconsumed bytes in a
// bufio.Reader across calls, mirroring "fill or extend rmsg" from a
// byte-oriented parser without needing a second buffering layer here.
func Parse(r *bufio.Reader) (Frame, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return Frame{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Frame{}, ErrEmpty
	}

	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "QUIT":
		return Frame{}, ErrQuit

	case "GET":
		if len(fields) != 2 {
			return Frame{}, ErrParse
		}
		key := []byte(fields[1])
		return Frame{
			Type:    core.OpRead,
			IsRead:  true,
			Key:     key,
			Payload: [][]byte{[]byte(cmd), key},
		}, nil

	case "SET":
		if len(fields) < 3 {
			return Frame{}, ErrParse
		}
		key := []byte(fields[1])
		value := []byte(fields[2])
		noreply := len(fields) >= 4 && strings.EqualFold(fields[3], "NOREPLY")
		return Frame{
			Type:    core.OpWrite,
			IsRead:  false,
			NoReply: noreply,
			Key:     key,
			Value:   value,
			Payload: [][]byte{[]byte(cmd), key, value},
		}, nil

	case "DEL":
		if len(fields) < 2 {
			return Frame{}, ErrParse
		}
		key := []byte(fields[1])
		noreply := len(fields) >= 3 && strings.EqualFold(fields[2], "NOREPLY")
		return Frame{
			Type:    core.OpDelete,
			IsRead:  false,
			NoReply: noreply,
			Key:     key,
			Payload: [][]byte{[]byte(cmd), key},
		}, nil

	case "CONFIG":
		if len(fields) != 2 {
			return Frame{}, ErrParse
		}
		target := strings.ToLower(fields[1])
		return Frame{
			Type:    core.OpConsistencyControl,
			Key:     []byte(target),
			Admin:   target,
			Payload: [][]byte{[]byte(cmd), []byte(target)},
		}, nil

	default:
		return Frame{}, ErrParse
	}
}

// WriteInteger formats the synthesized admin/DN_OK response body: a single
// integer line, mirroring send_rsp_integer.
func WriteInteger(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10) + "\r\n")
}

// WriteValue formats a GET response carrying a value, or a "NOT_FOUND"
// sentinel when found is false.
func WriteValue(value []byte, found bool) []byte {
	if !found {
		return []byte("NOT_FOUND\r\n")
	}
	out := make([]byte, 0, len(value)+2)
	out = append(out, value...)
	out = append(out, '\r', '\n')
	return out
}

// WriteError formats an error response line.
func WriteError(msg string) []byte {
	return []byte("ERROR " + msg + "\r\n")
}

// SerializeRequest reconstructs the wire line a request's Payload fields
// came from, so a peer-frame body can be re-parsed with Parse on the
// receiving node exactly like a line read straight off a client socket.
func SerializeRequest(payload [][]byte) []byte {
	fields := make([]string, len(payload))
	for i, p := range payload {
		fields[i] = string(p)
	}
	return []byte(strings.Join(fields, " ") + "\r\n")
}

// IsErrorPayload reports whether a raw response body is an error line, so
// a peer-frame response reader can set core.Message.Error without
// re-parsing the whole line.
func IsErrorPayload(body []byte) bool {
	return strings.HasPrefix(string(body), "ERROR ")
}
