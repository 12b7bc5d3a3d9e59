package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/util"
)

// maxBodySize bounds every signaling request body.
const maxBodySize = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the answering side of the signaling path. It serves the two
// batched HTTP routes and the incremental WebSocket route, and hands every
// inbound message to its Handler.
type Server struct {
	handler  Handler
	listener net.Listener
	srv      *http.Server

	mu   sync.Mutex
	peer *wsPeer // the single WebSocket client, nil when none
}

// wsPeer serializes writes to one WebSocket connection.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(msg)
}

// NewServer creates a server dispatching to h.
func NewServer(h Handler) *Server {
	return &Server{handler: h}
}

// Handler returns the HTTP handler with all signaling routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RouteDescription, s.handleDescription)
	mux.HandleFunc(RouteCandidates, s.handleCandidates)
	mux.HandleFunc(RouteWS, s.handleWS)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	util.LogInfo("signaling server listening on %s", listener.Addr())
	return listener.Addr().String(), nil
}

// Trickle pushes candidates to the connected WebSocket client. It fails when
// no client is connected.
func (s *Server) Trickle(cands []candidate.Candidate) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if peer == nil {
		return failed("no WebSocket peer to trickle to")
	}
	if err := peer.send(Message{Type: MsgTypeCandidates, Candidates: cands}); err != nil {
		return failed("trickle: %v", err)
	}
	return nil
}

// Close stops the listener and drops the WebSocket client, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()

	var errs []error
	if peer != nil {
		errs = append(errs, peer.conn.Close())
	}
	if s.srv != nil {
		errs = append(errs, s.srv.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Batched HTTP routes
// ---------------------------------------------------------------------------

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || strings.TrimSpace(string(body)) == "" {
		http.Error(w, "empty description", http.StatusBadRequest)
		return
	}

	answer, err := s.handler.HandleOffer(r.Context(), string(body))
	if err != nil {
		util.LogWarning("signaling: offer refused: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, answer)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in candidate.List
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&in); err != nil {
		http.Error(w, "malformed candidate list: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateAll(in.Candidates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	local, err := s.handler.HandleCandidates(r.Context(), in.Candidates)
	if err != nil {
		util.LogWarning("signaling: candidates refused: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(candidate.List{Candidates: nonNil(local)})
}

// ---------------------------------------------------------------------------
// Incremental WebSocket route
// ---------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first client.
	peer := &wsPeer{conn: conn}
	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	s.peer = peer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.peer == peer {
			s.peer = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	util.LogDebug("signaling: WebSocket client %s connected", r.RemoteAddr)
	s.serveWS(r.Context(), peer)
}

// serveWS answers messages from one client until the connection drops.
func (s *Server) serveWS(ctx context.Context, peer *wsPeer) {
	for {
		var msg Message
		if err := peer.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("signaling: WebSocket read: %v", err)
			}
			return
		}

		var reply *Message
		switch msg.Type {
		case MsgTypeOffer:
			answer, err := s.handler.HandleOffer(ctx, msg.SDP)
			if err != nil {
				reply = &Message{Type: MsgTypeError, Error: err.Error()}
			} else {
				reply = &Message{Type: MsgTypeAnswer, SDP: answer}
			}

		case MsgTypeCandidates:
			if err := validateAll(msg.Candidates); err != nil {
				reply = &Message{Type: MsgTypeError, Error: err.Error()}
				break
			}
			local, err := s.handler.HandleCandidates(ctx, msg.Candidates)
			if err != nil {
				reply = &Message{Type: MsgTypeError, Error: err.Error()}
			} else if len(local) > 0 {
				reply = &Message{Type: MsgTypeCandidates, Candidates: local}
			}

		default:
			reply = &Message{Type: MsgTypeError, Error: fmt.Sprintf("unexpected message type %q", msg.Type)}
		}

		if reply == nil {
			continue
		}
		if err := peer.send(*reply); err != nil {
			util.LogDebug("signaling: WebSocket write: %v", err)
			return
		}
		if reply.Type == MsgTypeError {
			return
		}
	}
}

func validateAll(cands []candidate.Candidate) error {
	for i, c := range cands {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	return nil
}

func nonNil(cands []candidate.Candidate) []candidate.Candidate {
	if cands == nil {
		return []candidate.Candidate{}
	}
	return cands
}
