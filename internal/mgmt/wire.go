// Package mgmt implements C6, the management API runtime: the wire
// framing a client speaks over one of the daemon's three sockets
// (admin/internal/misc, see package daemon), the method registry, and
// per-call permission gating through the event bus.
//
// Framing follows spec §4.6 literally: a NUL-delimited header
// (source/method/dest/argument) followed by opaque payload bytes read to
// the write-half close, and a NUL-delimited response whose first byte
// selects ok/event/error — the same shape as the reference qrexec-admin
// wire protocol this daemon's management API stands in for, rather than
// a bespoke length-prefixed scheme.
package mgmt

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/openqube/qubesd/internal/qerrors"
)

// Request is one decoded call: source, method, dest, argument, payload,
// exactly spec §4.6's "<source-name>\0<method-name>\0<dest-name>\0
// <argument>\0<payload...>".
type Request struct {
	Source  string
	Method  string
	Dest    string
	Arg     string
	Payload []byte
}

// Response is the encoded result of handling a Request.
type Response struct {
	OK      bool
	Payload []byte

	Kind      qerrors.Kind
	Traceback string
	Message   string
	Args      []string
}

// readNULField reads one field terminated by a NUL byte, returning it
// without the terminator.
func readNULField(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

// ReadRequest decodes one request from r: the four NUL-delimited header
// fields followed by the payload, which runs to EOF (the client signals
// end-of-payload by half-closing its write side, per spec §4.6).
func ReadRequest(r *bufio.Reader) (Request, error) {
	source, err := readNULField(r)
	if err != nil {
		return Request{}, qerrors.Protocolf("reading source field: %v", err)
	}
	method, err := readNULField(r)
	if err != nil {
		return Request{}, qerrors.Protocolf("reading method field: %v", err)
	}
	dest, err := readNULField(r)
	if err != nil {
		return Request{}, qerrors.Protocolf("reading dest field: %v", err)
	}
	arg, err := readNULField(r)
	if err != nil {
		return Request{}, qerrors.Protocolf("reading argument field: %v", err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return Request{}, err
	}

	return Request{Source: source, Method: method, Dest: dest, Arg: arg, Payload: payload}, nil
}

// WriteRequest encodes req to w, the client side of ReadRequest. Callers
// are expected to half-close their write side (or otherwise signal EOF)
// once WriteRequest returns, so the server knows the payload is complete.
func WriteRequest(w io.Writer, req Request) error {
	if _, err := fmt.Fprintf(w, "%s\x00%s\x00%s\x00%s\x00", req.Source, req.Method, req.Dest, req.Arg); err != nil {
		return err
	}
	_, err := w.Write(req.Payload)
	return err
}

// WriteResponse encodes resp to w per spec §4.6's response table: `0\0`
// plus raw payload bytes (no length prefix — the caller closes the
// connection afterward so the client can read to EOF) on success, or
// `2\0<exc-type-name>\0<traceback-or-empty>\0<message>\0<args-or-empty>\0`
// on error.
func WriteResponse(w io.Writer, resp Response) error {
	if resp.OK {
		if _, err := io.WriteString(w, "0\x00"); err != nil {
			return err
		}
		_, err := w.Write(resp.Payload)
		return err
	}
	_, err := fmt.Fprintf(w, "2\x00%s\x00%s\x00%s\x00%s\x00",
		resp.Kind, resp.Traceback, resp.Message, strings.Join(resp.Args, ", "))
	return err
}

// WriteStreamFrame writes one event-stream frame: `1\0` followed by
// payload, which must already be self-delimited the way
// renderEventFrame builds it (subject\0event\0(key\0value\0)*\0,
// terminated by an empty key).
func WriteStreamFrame(w io.Writer, payload []byte) error {
	if _, err := io.WriteString(w, "1\x00"); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadResponse decodes the non-streaming Response written by
// WriteResponse: the ok payload is read to EOF, the error fields are
// read as NUL-delimited fields.
func ReadResponse(r *bufio.Reader) (Response, error) {
	status, err := readNULField(r)
	if err != nil {
		return Response{}, err
	}
	switch status {
	case "0":
		payload, err := io.ReadAll(r)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Payload: payload}, nil
	case "2":
		kind, err := readNULField(r)
		if err != nil {
			return Response{}, err
		}
		traceback, err := readNULField(r)
		if err != nil {
			return Response{}, err
		}
		message, err := readNULField(r)
		if err != nil {
			return Response{}, err
		}
		args, err := readNULField(r)
		if err != nil {
			return Response{}, err
		}
		resp := Response{Kind: qerrors.Kind(kind), Traceback: traceback, Message: message}
		if args != "" {
			resp.Args = strings.Split(args, ", ")
		}
		return resp, nil
	default:
		return Response{}, qerrors.Protocolf("unknown response status %q", status)
	}
}

// ReadEventFrame decodes one `1\0`-prefixed stream frame's body (the
// leading status field already consumed by the caller): subject, event
// name, then key/value pairs terminated by an empty key. It returns the
// frame re-joined as NUL-delimited fields with a trailing NUL, matching
// the shape events.go's renderEventFrame produces.
func ReadEventFrame(r *bufio.Reader) ([]byte, error) {
	var fields []string

	subject, err := readNULField(r)
	if err != nil {
		return nil, err
	}
	fields = append(fields, subject)

	name, err := readNULField(r)
	if err != nil {
		return nil, err
	}
	fields = append(fields, name)

	for {
		key, err := readNULField(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		value, err := readNULField(r)
		if err != nil {
			return nil, err
		}
		fields = append(fields, key, value)
	}

	return []byte(strings.Join(fields, "\x00") + "\x00"), nil
}

// SanitizeASCII strips anything outside printable ASCII from untrusted
// wire fields (dest name, arg) before they reach logs or event kwargs —
// spec §4.6's "untrusted_" handling discipline: payload contents stay
// untrusted bytes, but anything used as an identifier is scrubbed first.
func SanitizeASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return b.String()
}
