// Package agent implements the in-VM sandbox agent that runs inside each
// Firecracker microVM. It serves the framed JSON control protocol on vsock
// port 5000 and handles exec and filesystem operations. The binary is
// statically compiled and baked into the rootfs image.
package agent

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"

	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
)

// Server is the guest-side RPC server. It accepts one connection at a time
// and serializes requests on that connection — the host enforces the same
// discipline, so there is no concurrency to manage in here.
type Server struct {
	version      string
	workspaceDir string
}

// NewServer creates an agent server.
func NewServer(version string) *Server {
	return &Server{version: version, workspaceDir: "/workspace"}
}

// Serve accepts connections from lis until it is closed.
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		var req guestrpc.Request
		if err := guestrpc.ReadMessage(br, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("agent: read: %v", err)
				// A malformed frame still gets an answer when the stream
				// is intact enough to carry one.
				if errors.Is(err, guestrpc.ErrProtocol) || errors.Is(err, guestrpc.ErrMessageTooLarge) {
					_ = guestrpc.WriteMessage(conn, &guestrpc.Response{Success: false, Error: err.Error()})
				}
			}
			return
		}
		resp := s.Handle(&req)
		if err := guestrpc.WriteMessage(conn, resp); err != nil {
			log.Printf("agent: write: %v", err)
			return
		}
	}
}

// Handle dispatches a single request on its action field.
func (s *Server) Handle(req *guestrpc.Request) *guestrpc.Response {
	switch req.Action {
	case guestrpc.ActionPing:
		return &guestrpc.Response{Success: true, Version: s.version}
	case guestrpc.ActionExec:
		return s.handleExec(req)
	case guestrpc.ActionReadFile:
		return s.handleReadFile(req)
	case guestrpc.ActionWriteFile:
		return s.handleWriteFile(req)
	case guestrpc.ActionListFiles:
		return s.handleListFiles(req)
	case guestrpc.ActionMkdir:
		return s.handleMkdir(req)
	case guestrpc.ActionStat:
		return s.handleStat(req)
	case guestrpc.ActionDeleteFile:
		return s.handleDeleteFile(req)
	case guestrpc.ActionSyncFS:
		return s.handleSyncFS(req)
	default:
		return &guestrpc.Response{Success: false, Error: "unknown action"}
	}
}
