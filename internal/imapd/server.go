// Package imapd serves the IMAP4rev1 subset used by mail clients against
// the shared message store: folder selection, fetch, search, flag updates
// and expunge.
package imapd

import (
	"log"
	"net"

	"pbmail/internal/storage"
)

// Server accepts IMAP connections and runs one session per connection.
type Server struct {
	store storage.Store
}

func NewServer(store storage.Store) *Server {
	return &Server{store: store}
}

// ListenAndServe blocks on the accept loop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Printf("IMAP server running on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Println("IMAP accept error:", err)
			continue
		}

		log.Printf("New IMAP connection from %s", conn.RemoteAddr())
		go s.HandleConnection(conn)
	}
}

// HandleConnection owns one client socket for its lifetime.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	sess := newSession(s.store, conn)
	sess.sendHello()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		sess.framer.Feed(buf[:n])
		for {
			frame, ok := sess.framer.Next()
			if !ok {
				break
			}
			sess.handleFrame(frame)
			if sess.closing {
				return
			}
		}
	}
}
