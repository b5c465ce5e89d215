package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"slingmarket/crypto"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	outboundQueueSize       = 64

	defaultMaxPeers       = 32
	defaultReadTimeout    = 90 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultMsgRate        = 32.0
	defaultBurstRate      = 200.0
	defaultPingInterval   = 30 * time.Second
	defaultDialBackoff    = time.Second
	maxDialBackoff        = time.Minute
)

var (
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	errQueueFull       = errors.New("peer outbound queue full")
)

// ServerConfig encapsulates runtime settings for the p2p server.
type ServerConfig struct {
	ListenAddress    string
	NetworkName      string
	ClientVersion    string
	MaxPeers         int
	Bootnodes        []string
	PersistentPeers  []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int
	RateMsgsPerSec   float64
	RateBurst        float64
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	DialBackoff      time.Duration
	MaxDialBackoff   time.Duration
}

type dialFunc func(context.Context, string) (net.Conn, error)

// Server coordinates peer connections and gossip dissemination.
type Server struct {
	cfg     ServerConfig
	handler MessageHandler
	privKey *crypto.PrivateKey
	nodeID  string

	logger  *slog.Logger
	metrics *networkMetrics

	mu     sync.RWMutex
	peers  map[string]*Peer
	byAddr map[string]string

	dialFn      dialFunc
	globalLimit *tokenBucket
	ipLimiter   *ipRateLimiter

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration
	persistent  map[string]struct{}
}

// NewServer creates a gossip server identified by the node's market key.
func NewServer(handler MessageHandler, privKey *crypto.PrivateKey, cfg ServerConfig) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "slingmarket"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "slingmarket/node"
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.RateMsgsPerSec <= 0 {
		cfg.RateMsgsPerSec = defaultMsgRate
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultBurstRate
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}
	if cfg.MaxDialBackoff <= 0 {
		cfg.MaxDialBackoff = maxDialBackoff
	}

	server := &Server{
		cfg:         cfg,
		handler:     handler,
		privKey:     privKey,
		nodeID:      deriveNodeID(privKey),
		logger:      slog.Default().With(slog.String("component", "p2p_server")),
		metrics:     newNetworkMetrics(),
		peers:       make(map[string]*Peer),
		byAddr:      make(map[string]string),
		dialFn:      defaultDialer,
		pendingDial: make(map[string]struct{}),
		backoff:     make(map[string]time.Duration),
		persistent:  make(map[string]struct{}),
	}

	burst := cfg.RateBurst * float64(cfg.MaxPeers)
	if burst < cfg.RateMsgsPerSec {
		burst = cfg.RateMsgsPerSec
	}
	server.globalLimit = newTokenBucket(cfg.RateMsgsPerSec*float64(cfg.MaxPeers), burst)
	server.ipLimiter = newIPRateLimiter(cfg.RateMsgsPerSec, cfg.RateBurst)

	for _, addr := range append(append([]string{}, cfg.Bootnodes...), cfg.PersistentPeers...) {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			server.persistent[trimmed] = struct{}{}
		}
	}

	return server
}

func deriveNodeID(privKey *crypto.PrivateKey) string {
	if privKey == nil {
		return ""
	}
	return hex.EncodeToString(ethcrypto.PubkeyToAddress(*privKey.PubKey().PublicKey).Bytes())
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: defaultHandshakeTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// NodeID exposes the derived node identifier.
func (s *Server) NodeID() string {
	if s == nil {
		return ""
	}
	return s.nodeID
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Start begins listening for inbound peers and dialing configured ones.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.log().Info("P2P server listening",
		slog.String("listen_address", ln.Addr().String()),
		slog.String("network", s.cfg.NetworkName),
		slog.String("node_id", s.nodeID),
		slog.String("client_version", s.cfg.ClientVersion))

	go s.startDialers()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return err
		}
		if !s.allowIP(conn.RemoteAddr().String(), time.Now()) {
			conn.Close()
			continue
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) startDialers() {
	s.dialMu.Lock()
	targets := make([]string, 0, len(s.persistent))
	for addr := range s.persistent {
		targets = append(targets, addr)
	}
	s.dialMu.Unlock()

	for _, addr := range targets {
		go func(target string) {
			if err := s.Connect(target); err != nil {
				s.scheduleReconnect(target)
			}
		}(addr)
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, true, false, ""); err != nil {
		s.log().Warn("Inbound connection rejected",
			slog.String("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		conn.Close()
	}
}

// initPeer performs the hello exchange and registers the peer. Both sides
// write their hello frame first, then read the remote one under a deadline.
func (s *Server) initPeer(conn net.Conn, inbound bool, persistent bool, dialAddr string) error {
	reader := bufio.NewReader(conn)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	hello, err := newHelloMessage(s.cfg.NetworkName, s.nodeID, s.cfg.ClientVersion)
	if err != nil {
		return err
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil {
		return fmt.Errorf("malformed hello frame: %w", err)
	}
	if msg.Type != MsgTypeHello {
		return fmt.Errorf("expected hello, got type 0x%02x", msg.Type)
	}
	var remote HelloPayload
	if err := json.Unmarshal(msg.Payload, &remote); err != nil {
		return fmt.Errorf("malformed hello payload: %w", err)
	}
	if remote.Network != s.cfg.NetworkName {
		return fmt.Errorf("network mismatch: %q", remote.Network)
	}
	if remote.NodeID == "" {
		return fmt.Errorf("handshake missing node identity")
	}
	if remote.NodeID == s.nodeID {
		return fmt.Errorf("self connection not allowed")
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	peer := newPeer(remote.NodeID, remote.ClientVersion, conn, reader, s, inbound, persistent, dialAddr)
	if err := s.registerPeer(peer); err != nil {
		return err
	}
	s.log().Info("Peer connected",
		slog.String("peer_id", peer.id),
		slog.String("peer_address", peer.remoteAddr),
		slog.String("client_version", remote.ClientVersion),
		slog.Bool("inbound", inbound))
	peer.start()
	return nil
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[peer.id]; exists {
		return fmt.Errorf("peer %s already connected", peer.id)
	}
	if len(s.peers) >= s.cfg.MaxPeers {
		return fmt.Errorf("maximum peers reached")
	}
	s.peers[peer.id] = peer
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer.id
	}
	s.metrics.setPeerCount(len(s.peers))
	return nil
}

func (s *Server) removePeer(peer *Peer, reason error) {
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		if peer.dialAddr != "" {
			delete(s.byAddr, peer.dialAddr)
		}
	}
	s.metrics.setPeerCount(len(s.peers))
	s.mu.Unlock()

	if reason != nil {
		s.log().Info("Peer disconnected",
			slog.String("peer_id", peer.id),
			slog.String("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	} else {
		s.log().Info("Peer disconnected",
			slog.String("peer_id", peer.id),
			slog.String("peer_address", peer.remoteAddr))
	}

	if peer.persistent && !peer.inbound {
		s.scheduleReconnect(peer.dialAddr)
	}
}

// Connect dials a remote peer and establishes a session.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if s.isConnectedToAddress(addr) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialFn(ctx, addr)
	if err != nil {
		s.markDialFailure(addr)
		return err
	}

	if err := s.initPeer(conn, false, s.isPersistent(addr), addr); err != nil {
		conn.Close()
		s.markDialFailure(addr)
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	s.log().Info("Outbound connection established",
		slog.String("peer_address", addr))
	s.resetBackoff(addr)
	return nil
}

func (s *Server) isConnectedToAddress(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddr[addr]
	return ok
}

func (s *Server) isPersistent(addr string) bool {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	_, ok := s.persistent[addr]
	return ok
}

func (s *Server) markDialFailure(addr string) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	backoff := s.backoff[addr]
	if backoff <= 0 {
		backoff = s.cfg.DialBackoff
	} else {
		backoff *= 2
		if backoff > s.cfg.MaxDialBackoff {
			backoff = s.cfg.MaxDialBackoff
		}
	}
	s.backoff[addr] = backoff
}

func (s *Server) resetBackoff(addr string) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	delete(s.backoff, addr)
}

func (s *Server) scheduleReconnect(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || !s.isPersistent(addr) {
		return
	}

	s.dialMu.Lock()
	if _, pending := s.pendingDial[addr]; pending {
		s.dialMu.Unlock()
		return
	}
	s.pendingDial[addr] = struct{}{}
	wait := s.backoff[addr]
	if wait <= 0 {
		wait = s.cfg.DialBackoff
	}
	s.dialMu.Unlock()

	go func() {
		timer := time.NewTimer(wait)
		<-timer.C
		err := s.Connect(addr)
		s.dialMu.Lock()
		delete(s.pendingDial, addr)
		s.dialMu.Unlock()
		if err != nil {
			s.scheduleReconnect(addr)
		}
	}()
}

// Broadcast sends a message to all connected peers with backpressure. This is
// fire and forget per peer: no acknowledgment is required for correctness.
func (s *Server) Broadcast(msg *Message) error {
	return s.BroadcastExcept("", msg)
}

// BroadcastExcept floods the message to every peer except the named origin,
// bounding redundant traffic while still reaching all peers over multiple
// hops.
func (s *Server) BroadcastExcept(origin string, msg *Message) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if id == origin {
			continue
		}
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	var errs []error
	for _, peer := range peers {
		if err := peer.Enqueue(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.id, err))
			if errors.Is(err, errQueueFull) {
				s.log().Warn("Peer send queue full",
					slog.String("peer_id", peer.id))
			}
			peer.terminate(err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) allowGlobal(now time.Time) bool {
	return s.globalLimit == nil || s.globalLimit.allow(now)
}

func (s *Server) allowIP(remote string, now time.Time) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	return s.ipLimiter == nil || s.ipLimiter.allow(host, now)
}

func (s *Server) handleRateLimit(peer *Peer, global bool) {
	if global {
		s.log().Warn("Global rate cap exceeded",
			slog.String("peer_id", peer.id))
		peer.terminate(fmt.Errorf("global rate cap exceeded"))
		return
	}
	s.log().Warn("Peer exceeded rate limit",
		slog.String("peer_id", peer.id))
	peer.terminate(fmt.Errorf("peer rate limit exceeded"))
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	s.metrics.recordViolation()
	s.log().Warn("Protocol violation",
		slog.String("peer_id", peer.id),
		slog.Any("error", err))
	peer.terminate(err)
}

func (s *Server) recordGossip(direction string, msgType byte) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.recordGossip(direction, msgType)
}

func (s *Server) log() *slog.Logger {
	if s == nil {
		return slog.Default().With(slog.String("component", "p2p_server"))
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slog.String("component", "p2p_server"))
	}
	return s.logger
}
