package mgmt

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/store"
)

// Server binds a Registry to one listening socket and, for methods
// named in Mutating, persists the store after a successful call — the
// transactionality spec §4.6 describes as "every mutating call, once it
// returns without error, is durable before the response is sent."
//
// Source identity is resolved per request from the wire (spec §4.6's
// "<source-name>" field), not fixed per listener: the Misc API in
// particular depends on each unprivileged caller naming itself on every
// call.
type Server struct {
	Registry *Registry
	Store    *store.Store
	App      *qube.App
	Mutating map[string]bool
}

// NewServer constructs a Server for one socket.
func NewServer(reg *Registry, st *store.Store, app *qube.App, mutating map[string]bool) *Server {
	return &Server{Registry: reg, Store: st, App: app, Mutating: mutating}
}

// Serve accepts connections on l until ctx is cancelled or l.Accept
// fails, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	req, err := ReadRequest(r)
	if err != nil {
		_ = WriteResponse(conn, errorResponse(qerrors.Wrap(qerrors.Protocol, err, "reading request")))
		return
	}

	source := SanitizeASCII(req.Source)
	if source != req.Source {
		_ = WriteResponse(conn, errorResponse(qerrors.Protocolf("source name %q is not strict ASCII", req.Source)))
		return
	}
	if _, ok := s.App.Collection.ByName(source); !ok {
		_ = WriteResponse(conn, errorResponse(qerrors.Protocolf("unknown source qube %q", source)))
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cc := &CallContext{
		Context:    callCtx,
		Method:     req.Method,
		Arg:        SanitizeASCII(req.Arg),
		Dest:       SanitizeASCII(req.Dest),
		SourceQube: source,
		Payload:    req.Payload,
	}

	if sh, ok := s.Registry.StreamHandlerFor(req.Method); ok {
		if err := s.Registry.CheckPermission(cc); err != nil {
			_ = WriteResponse(conn, errorResponse(err))
			return
		}
		// A frame that fails to write means the client is gone; cancelling
		// the call context is what unwinds the stream handler (spec §4.6's
		// cancellation contract — the runtime cancels, the handler cleans
		// up its subscriptions and returns).
		emit := func(payload []byte) error {
			if werr := WriteStreamFrame(conn, payload); werr != nil {
				cancel()
				return werr
			}
			return nil
		}
		if err := sh(cc, emit); err != nil {
			logging.Debug("mgmt stream ended", logging.Ctx{"method": cc.Method, "err": err.Error()})
		}
		return
	}

	payload, err := s.Registry.Dispatch(cc)
	if err != nil {
		logging.Debug("mgmt call failed", logging.Ctx{"method": cc.Method, "err": err.Error()})
		_ = WriteResponse(conn, errorResponse(err))
		return
	}

	if s.Mutating[req.Method] {
		if serr := s.Store.Save(s.App); serr != nil {
			logging.Error("failed to persist after mutating call", logging.Ctx{"method": cc.Method, "err": serr.Error()})
			_ = WriteResponse(conn, errorResponse(qerrors.Wrap(qerrors.Bug, serr, "call succeeded but failed to persist")))
			return
		}
	}

	_ = WriteResponse(conn, Response{OK: true, Payload: payload})
}

// errorResponse renders err as a Response, including a traceback only in
// debug mode (spec §7: "debug mode sends traceback to client").
func errorResponse(err error) Response {
	resp := Response{Kind: qerrors.KindOf(err), Message: err.Error()}
	if e, ok := qerrors.As(err); ok {
		resp.Args = e.Args
	}
	if logging.IsDebug() {
		resp.Traceback = fmt.Sprintf("%+v", err)
	}
	return resp
}
