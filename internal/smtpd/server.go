// Package smtpd serves the SMTP ingress/relay dialog: HELO/EHLO, the AUTH
// sub-protocols, envelope collection and dot-terminated DATA framing.
// Accepted messages are handed to the processing layer, which decides
// between local storage and outbound relay.
package smtpd

import (
	"log"
	"net"

	"pbmail/internal/process"
	"pbmail/internal/storage"
)

// Server accepts SMTP connections and runs one session per connection.
type Server struct {
	store          storage.Store
	handler        *process.Handler
	hostname       string
	authMethods    []string
	recipientLimit int
}

func NewServer(store storage.Store, handler *process.Handler,
	hostname string, authMethods []string, recipientLimit int) *Server {
	if hostname == "" {
		hostname = "localhost"
	}
	if len(authMethods) == 0 {
		authMethods = []string{AuthMethodLogin, AuthMethodCramMd5}
	}
	if recipientLimit <= 0 {
		recipientLimit = 100
	}
	return &Server{
		store:          store,
		handler:        handler,
		hostname:       hostname,
		authMethods:    authMethods,
		recipientLimit: recipientLimit,
	}
}

// ListenAndServe blocks on the accept loop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Printf("SMTP server running on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Println("SMTP accept error:", err)
			continue
		}

		log.Printf("New SMTP connection from %s", conn.RemoteAddr())
		go s.HandleConnection(conn)
	}
}

// HandleConnection owns one client socket for its lifetime.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	sess := newSession(s.store, s.handler, conn,
		s.hostname, s.authMethods, s.recipientLimit)
	sess.sendGreeting()

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
			sess.handleLine(frame.Data)
			if sess.closing {
				return
			}
		}
	}
}
