// Package server
// BSD 3-Clause License
//
// Copyright (c) 2026, MouseDB Authors
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package server is MouseDB's TCP front end: a full-mesh gossip of
// server peers fronting one Database, and plain client connections that
// never get gossiped. Grounded on the original mousedb server's
// ConnectionManager/Session (original_source/mousedb/server/exe_server/src/server.{hpp,cpp}):
// same accept/connect/identify/heartbeat/broadcast-peer protocol, but
// built the way guycipher-k4's own server_example/main.go shapes a Go
// TCP server — one goroutine per connection instead of an io_context
// strand, context.Context-driven shutdown instead of signal handling
// inside the listener loop.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dseum/mousedb/internal/database"
	"github.com/dseum/mousedb/internal/frame"
	"github.com/dseum/mousedb/internal/hlc"
)

// heartbeatInterval matches the original ConnectionManager::schedule_hb's
// 2-second cadence.
const heartbeatInterval = 2 * time.Second

// Config configures a Server.
type Config struct {
	// Self is this node's own externally reachable address, sent in
	// IDENTIFY frames so peers know where to dial back.
	Self frame.Address
	// Join is an optional existing cluster member to connect to on
	// startup; the resulting gossip converges the full mesh.
	Join *frame.Address

	DB     *database.Database
	Logger *zap.Logger
}

// session is one peer-to-peer or client TCP connection. writeMu
// serializes frame writes the way the original's per-session write_q_
// serialized async_write calls onto one strand; Go just needs a mutex
// since several goroutines (this session's reader, the heartbeat
// ticker, a broadcast from another session's IDENTIFY) may all want to
// write to the same conn.
type session struct {
	conn     net.Conn
	writeMu  sync.Mutex
	remote   frame.Address
	outbound bool
}

// isPeer reports whether this session identified itself as a gossiping
// server peer (port != 0) rather than a plain client connection, per
// the original's Session::is_server_peer.
func (s *session) isPeer() bool { return s.remote.Port != 0 }

func (s *session) send(typ frame.Type, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteFrame(s.conn, typ, payload)
}

// Server owns the listener, the live session set, and the one Database
// every session's WRITE_REQ/READ_REQ ultimately reaches.
type Server struct {
	cfg    Config
	db     *database.Database
	logger *zap.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New builds a Server bound to cfg.Self's port but does not start
// accepting yet; call Run for that.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("server: DB is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Self.Host, strconv.Itoa(int(cfg.Self.Port))))
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	return &Server{
		cfg:      cfg,
		db:       cfg.DB,
		logger:   cfg.Logger,
		listener: ln,
		sessions: make(map[*session]struct{}),
	}, nil
}

// Addr returns the listener's actual bound address (useful when Config.Self.Port is 0).
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts connections and gossips with cfg.Join (if set) until ctx
// is canceled, then closes the listener and every live session.
func (s *Server) Run(ctx context.Context) error {
	go s.heartbeatLoop(ctx)

	if s.cfg.Join != nil {
		go s.connectTo(*s.cfg.Join, false)
	}

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					acceptErrCh <- nil
				default:
					acceptErrCh <- err
				}
				return
			}
			sess := &session{conn: conn, outbound: false}
			s.track(sess)
			s.logger.Info("accepted connection", zap.String("addr", conn.RemoteAddr().String()))
			go s.serve(sess)
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAll()
		return nil
	case err := <-acceptErrCh:
		s.closeAll()
		return err
	}
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	sess.conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.listener.Close()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// connected reports whether a peer session for addr already exists,
// mirroring ConnectionManager::connected.
func (s *Server) connected(addr frame.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess.remote == addr {
			return true
		}
	}
	return false
}

// addrLess breaks a connect race the same way the original's
// `a < self_` guard does: of two nodes that would otherwise both dial
// each other on discovering one another via PEER gossip, only the
// lexicographically smaller address initiates, so the mesh doesn't
// collect duplicate parallel sessions between the same pair of nodes.
func addrLess(a, b frame.Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

// connectTo dials addr and starts an outbound session, unless addr is
// this node itself, already connected, or (when viaPeer reports that
// addr was learned from a PEER frame) loses the addrLess tie-break. The
// Config.Join address is always dialed.
func (s *Server) connectTo(addr frame.Address, viaPeer bool) {
	if addr == s.cfg.Self || s.connected(addr) || (viaPeer && addrLess(addr, s.cfg.Self)) {
		return
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))), 5*time.Second)
	if err != nil {
		s.logger.Info("connect failed", zap.String("addr", addr.Host), zap.Uint16("port", addr.Port), zap.Error(err))
		return
	}

	sess := &session{conn: conn, outbound: true, remote: addr}
	s.track(sess)
	s.logger.Info("connected", zap.String("host", addr.Host), zap.Uint16("port", addr.Port))
	go s.serve(sess)
}

// serve is a session's lifetime: an outbound session announces itself
// with IDENTIFY first, then both directions loop reading frames until
// the connection errors or is closed.
func (s *Server) serve(sess *session) {
	defer s.forget(sess)

	if sess.outbound {
		if err := sess.send(frame.TypeIdentify, frame.EncodeIdentify(s.cfg.Self)); err != nil {
			return
		}
	}

	for {
		typ, payload, err := frame.ReadFrame(sess.conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("session read failed", zap.Error(err))
			}
			return
		}
		if err := s.handle(sess, typ, payload); err != nil {
			s.logger.Error("session handle failed", zap.Stringer("type", typ), zap.Error(err))
			return
		}
	}
}

func (s *Server) handle(sess *session, typ frame.Type, payload []byte) error {
	switch typ {
	case frame.TypeIdentify:
		addr, err := frame.DecodeIdentify(payload)
		if err != nil {
			return err
		}
		sess.remote = addr
		s.logger.Info("identify", zap.String("host", addr.Host), zap.Uint16("port", addr.Port))
		s.broadcastPeer(addr, sess)
		return nil

	case frame.TypePeer:
		addr, err := frame.DecodePeer(payload)
		if err != nil {
			return err
		}
		go s.connectTo(addr, true)
		return nil

	case frame.TypeHeartbeat:
		return nil

	case frame.TypeWriteReq:
		req, err := frame.DecodeWriteReq(payload)
		if err != nil {
			return err
		}
		clock := hlc.HLC{}
		if req.HasClock {
			clock = req.Clock
		}
		applied, err := s.db.Insert(req.Key, req.Value, clock)
		if err != nil {
			return err
		}
		if !req.HasClock {
			// Originated with this node (a client write, not gossip from a
			// peer already carrying an origin clock): propagate to every
			// peer so it converges via recv_and_merge instead of being
			// forwarded back out and amplifying across the mesh.
			s.Broadcast(req.Key, req.Value, applied)
		}
		return sess.send(frame.TypeWriteResp, frame.EncodeWriteResp(frame.WriteRespOK))

	case frame.TypeReadReq:
		key, err := frame.DecodeReadReq(payload)
		if err != nil {
			return err
		}
		value, _, ok := s.db.Find(key)
		if !ok {
			return sess.send(frame.TypeReadResp, frame.EncodeReadRespMiss())
		}
		return sess.send(frame.TypeReadResp, frame.EncodeReadResp(value))

	default:
		return nil
	}
}

// broadcastPeer tells every other live session about newcomer, and
// tells newcomer about every peer already known — the full-mesh
// convergence step from ConnectionManager::broadcast_peer.
func (s *Server) broadcastPeer(newcomer frame.Address, skip *session) {
	s.mu.Lock()
	peers := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess != skip {
			peers = append(peers, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range peers {
		_ = sess.send(frame.TypePeer, frame.EncodePeer(newcomer))
	}
	for _, sess := range peers {
		if sess.isPeer() {
			_ = skip.send(frame.TypePeer, frame.EncodePeer(sess.remote))
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			peers := make([]*session, 0, len(s.sessions))
			for sess := range s.sessions {
				if sess.isPeer() {
					peers = append(peers, sess)
				}
			}
			s.mu.Unlock()

			for _, sess := range peers {
				_ = sess.send(frame.TypeHeartbeat, nil)
			}
			s.logger.Debug("heartbeat sent", zap.Int("peers", len(peers)))
		}
	}
}

// Broadcast sends a WRITE_REQ carrying clock to every connected server
// peer, so a locally originated write propagates with its origin HLC
// for recv_and_merge on the receiving side (Supplemented Feature: peer
// gossip of write timestamps).
func (s *Server) Broadcast(key, value []byte, clock hlc.HLC) {
	s.mu.Lock()
	peers := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.isPeer() {
			peers = append(peers, sess)
		}
	}
	s.mu.Unlock()

	payload := frame.EncodeWriteReqWithClock(key, value, clock)
	for _, sess := range peers {
		_ = sess.send(frame.TypeWriteReq, payload)
	}
}

// PeerAddrs returns the addresses of every session that has identified
// itself as a server peer, for diagnostics and tests.
func (s *Server) PeerAddrs() []frame.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Address, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.isPeer() {
			out = append(out, sess.remote)
		}
	}
	return out
}

// Close stops accepting connections and closes every live session.
func (s *Server) Close() error {
	s.closeAll()
	return nil
}
