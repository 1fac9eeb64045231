package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/pkg/errors"
)

const (
	// RPCTimeout bounds one request/response exchange.
	RPCTimeout = 5 * time.Second
	// idleTimeout closes inbound connections with no traffic.
	idleTimeout = 60 * time.Second
	// maxConns caps concurrent inbound connections.
	maxConns = 100
)

// handlerFunc processes one inbound message and returns the response to
// write back, or nil to stay silent.
type handlerFunc func(remoteHost string, msg Message) *Message

// transport owns the TCP listener and the pending-RPC map. Responses are
// matched to callers by tx_id.
type transport struct {
	handler handlerFunc

	ln   net.Listener
	sem  chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan Message
}

func newTransport(handler handlerFunc) *transport {
	return &transport{
		handler: handler,
		sem:     make(chan struct{}, maxConns),
		quit:    make(chan struct{}),
		pending: make(map[string]chan Message),
	}
}

// listen binds the server socket and starts the accept loop.
func (t *transport) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding dht listener on %s", addr)
	}
	t.ln = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *transport) close() {
	close(t.quit)
	if t.ln != nil {
		t.ln.Close() //nolint:errcheck
	}
	t.wg.Wait()
}

func (t *transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			log.Debugf("dht accept: %v", err)
			continue
		}
		select {
		case t.sem <- struct{}{}:
		default:
			conn.Close() //nolint:errcheck
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn reads frames until the peer goes quiet or sends garbage.
// Malformed frames drop the connection without a reply.
func (t *transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() { <-t.sem }()
	defer conn.Close() //nolint:errcheck

	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		resp := t.handler(remoteHost, msg)
		if resp == nil {
			continue
		}
		resp.TxID = msg.TxID
		if err := conn.SetWriteDeadline(time.Now().Add(RPCTimeout)); err != nil {
			return
		}
		if err := writeFrame(conn, *resp); err != nil {
			return
		}
	}
}

func newTxID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "reading randomness for tx id")
	}
	return hex.EncodeToString(raw[:]), nil
}

// rpc dials the peer, sends one request and waits for the matching response.
// The exchange is bounded by RPCTimeout unless the context is tighter.
func (t *transport) rpc(ctx context.Context, addr string, req Message) (Message, error) {
	txID, err := newTxID()
	if err != nil {
		return Message{}, err
	}
	req.TxID = txID

	ch := make(chan Message, 1)
	t.mu.Lock()
	t.pending[txID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, txID)
		t.mu.Unlock()
	}()

	dialer := net.Dialer{Timeout: RPCTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Message{}, errors.Wrapf(err, "dialing dht peer %s", addr)
	}
	defer conn.Close() //nolint:errcheck

	if err := conn.SetDeadline(time.Now().Add(RPCTimeout)); err != nil {
		return Message{}, err
	}
	if err := writeFrame(conn, req); err != nil {
		return Message{}, errors.Wrapf(err, "sending %s to %s", req.Type, addr)
	}
	go func() {
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		t.deliver(msg)
	}()

	timer := time.NewTimer(RPCTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Message{}, errors.Wrapf(gerror.ErrTimeout, "%s to %s", req.Type, addr)
	case <-timer.C:
		return Message{}, errors.Wrapf(gerror.ErrTimeout, "%s to %s", req.Type, addr)
	}
}

// deliver routes a response to the caller waiting on its tx_id. Responses
// with no pending entry are dropped.
func (t *transport) deliver(msg Message) {
	t.mu.Lock()
	ch, ok := t.pending[msg.TxID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
