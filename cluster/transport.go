// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/mqtt-registry/internal/bufpool"
	"github.com/absmach/mqtt-registry/publish"
)

// compressThreshold is the payload size at or above which an RPC request is
// framed with an s2-compressed body. Below it, s2's frame overhead
// outweighs the savings, mirroring the queue log batch's own
// "only compress if it actually reduces size" check.
const compressThreshold = 256

// RPCHandler is invoked on the node a Transport call lands on.
// Registry wiring binds HandleRegisterRPC to register.Registrar's
// method of the same name, and HandleRouteRemote to publish.Router's
// Route method, adapted to this signature.
type RPCHandler interface {
	HandleRegisterRPC(ctx context.Context, clientID string, cleanSession bool) error
	HandleRouteRemote(ctx context.Context, filter string, pub publish.Publication) error
}

const (
	registerRemoteMethod = "register_remote"
	routeRemoteMethod    = "route_remote"

	rpcCallTimeout    = 10 * time.Second
	routeBatchSize    = 64
	routeBatchDelay   = 5 * time.Millisecond
	routeBatchWorkers = 4
)

type rpcRequest struct {
	ID         uint64 `json:"id"`
	Method     string `json:"method"`
	Payload    []byte `json:"payload"`
	Compressed bool   `json:"compressed,omitempty"`
}

// maybeCompress s2-compresses data when it's large enough for the
// savings to be worth the frame's extra round trip through base64.
func maybeCompress(data []byte) ([]byte, bool) {
	if len(data) < compressThreshold {
		return data, false
	}
	compressed := s2.Encode(nil, data)
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func maybeDecompress(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return s2.Decode(nil, data)
}

type rpcResponse struct {
	ID    uint64 `json:"id"`
	Error string `json:"error,omitempty"`
}

type registerRemotePayload struct {
	ClientID     string `json:"client_id"`
	CleanSession bool   `json:"clean_session"`
}

type routeRemoteItem struct {
	Filter string              `json:"filter"`
	Pub    publish.Publication `json:"pub"`
}

// Transport carries the register and publish RPCs between nodes over
// a websocket per peer connection, framed as JSON. It satisfies both
// register.Transport (RegisterRemote) and publish.RemoteRouter
// (RouteRemote) directly.
type Transport struct {
	nodeID   string
	handler  RPCHandler
	upgrader websocket.Upgrader
	server   *http.Server
	breakers *peerBreakers

	mu    sync.Mutex
	peers map[string]*peerConn

	reqSeq  atomic.Uint64
	batcher *nodeBatcher[routeRemoteItem]
	logger  *slog.Logger
	stopCh  chan struct{}
}

type peerConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcResponse
}

// NewTransport returns a Transport listening on bindAddr for peer
// connections and dispatching incoming calls to handler.
func NewTransport(nodeID, bindAddr string, handler RPCHandler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		nodeID:   nodeID,
		handler:  handler,
		upgrader: websocket.Upgrader{},
		breakers: newPeerBreakers(),
		peers:    make(map[string]*peerConn),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	t.batcher = newNodeBatcher(routeBatchSize, routeBatchDelay, routeBatchWorkers, t.stopCh, logger, "route_remote", t.sendRouteBatch)

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster/rpc", t.serveWS)
	t.server = &http.Server{Addr: bindAddr, Handler: mux}
	return t
}

// Start begins accepting peer connections.
func (t *Transport) Start() error {
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("cluster transport serve failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop closes the listener and every peer connection.
func (t *Transport) Stop() error {
	close(t.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.server.Shutdown(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.mu.Unlock()
	}
	t.peers = map[string]*peerConn{}
	return nil
}

// ConnectPeer dials a peer node's RPC endpoint and keeps the
// connection open for subsequent calls.
func (t *Transport) ConnectPeer(nodeID, addr string) error {
	t.mu.Lock()
	if _, ok := t.peers[nodeID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/cluster/rpc", nil)
	if err != nil {
		return fmt.Errorf("dial peer %s at %s: %w", nodeID, addr, err)
	}
	p := &peerConn{conn: conn, pending: make(map[uint64]chan rpcResponse)}

	t.mu.Lock()
	t.peers[nodeID] = p
	t.mu.Unlock()

	go t.readLoop(nodeID, p)
	return nil
}

func (t *Transport) readLoop(nodeID string, p *peerConn) {
	for {
		var resp rpcResponse
		if err := p.conn.ReadJSON(&resp); err != nil {
			t.logger.Warn("peer connection closed", slog.String("node_id", nodeID), slog.String("error", err.Error()))
			p.mu.Lock()
			for _, ch := range p.pending {
				ch <- rpcResponse{Error: "connection closed"}
			}
			p.pending = map[uint64]chan rpcResponse{}
			p.mu.Unlock()
			t.mu.Lock()
			delete(t.peers, nodeID)
			t.mu.Unlock()
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (t *Transport) call(ctx context.Context, nodeID, method string, payload any) error {
	t.mu.Lock()
	p, ok := t.peers[nodeID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection to peer %s", nodeID)
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("marshal rpc payload: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; json.Unmarshal on
	// the receiving end tolerates it, but trim it so a byte-for-byte
	// compressed size comparison in maybeCompress isn't skewed by it.
	data := bytes.TrimRight(buf.Bytes(), "\n")
	data, compressed := maybeCompress(data)

	return retryWithBreaker(ctx, t.breakers, nodeID, func() error {
		id := t.reqSeq.Add(1)
		respCh := make(chan rpcResponse, 1)

		p.mu.Lock()
		p.pending[id] = respCh
		err := p.conn.WriteJSON(rpcRequest{ID: id, Method: method, Payload: data, Compressed: compressed})
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write rpc request: %w", err)
		}

		select {
		case resp := <-respCh:
			if resp.Error != "" {
				return fmt.Errorf("peer %s: %s", nodeID, resp.Error)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rpcCallTimeout):
			return fmt.Errorf("rpc call to %s timed out", nodeID)
		}
	})
}

// RegisterRemote implements register.Transport.
func (t *Transport) RegisterRemote(ctx context.Context, node, clientID string, cleanSession bool) error {
	return t.call(ctx, node, registerRemoteMethod, registerRemotePayload{ClientID: clientID, CleanSession: cleanSession})
}

// RouteRemote implements publish.RemoteRouter. Calls are queued per
// destination node through the batcher; a flushed batch is still sent
// as one RPC round trip per queued item, not as one combined call.
func (t *Transport) RouteRemote(ctx context.Context, node, filter string, pub publish.Publication) error {
	return t.batcher.Enqueue(ctx, node, []routeRemoteItem{{Filter: filter, Pub: pub}})
}

func (t *Transport) sendRouteBatch(ctx context.Context, nodeID string, items []routeRemoteItem) error {
	for _, item := range items {
		if err := t.call(ctx, nodeID, routeRemoteMethod, item); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go t.handle(conn, &writeMu, req)
	}
}

// handle runs one inbound RPC and writes its response. writeMu
// serializes responses onto conn: concurrent requests on the same
// connection are dispatched in their own goroutines, but gorilla's
// websocket.Conn forbids concurrent writers.
func (t *Transport) handle(conn *websocket.Conn, writeMu *sync.Mutex, req rpcRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()

	resp := rpcResponse{ID: req.ID}
	if err := t.dispatch(ctx, req); err != nil {
		resp.Error = err.Error()
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(resp); err != nil {
		t.logger.Warn("write rpc response failed", slog.String("error", err.Error()))
	}
}

func (t *Transport) dispatch(ctx context.Context, req rpcRequest) error {
	payload, err := maybeDecompress(req.Payload, req.Compressed)
	if err != nil {
		return fmt.Errorf("decompress rpc payload: %w", err)
	}

	switch req.Method {
	case registerRemoteMethod:
		var p registerRemotePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return t.handler.HandleRegisterRPC(ctx, p.ClientID, p.CleanSession)
	case routeRemoteMethod:
		var p routeRemoteItem
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return t.handler.HandleRouteRemote(ctx, p.Filter, p.Pub)
	default:
		return fmt.Errorf("unknown rpc method %q", req.Method)
	}
}
