// Package cjdns talks to the cjdns admin interface to manage IP tunnels.
package cjdns

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	bencode "github.com/jackpal/bencode-go"

	"github.com/suspectuso/tunnel-billing/internal/tunnel"
)

const maxPacket = 64 * 1024

// Client is a cjdns admin client. Every call authenticates with a fresh cookie.
type Client struct {
	addr     string
	password string
	logger   *slog.Logger

	mu     sync.Mutex
	dialer net.Dialer
}

// NewClient creates a new admin client for addr (host:port of the admin UDP socket)
func NewClient(addr, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:     addr,
		password: password,
		logger:   logger,
	}
}

type response map[string]any

func (r response) intValue(key string) (int, bool) {
	v, ok := r[key].(int64)
	return int(v), ok
}

func (r response) stringValue(key string) string {
	s, _ := r[key].(string)
	return s
}

// call runs one authenticated admin function on its own socket, one call at a time
func (c *Client) call(ctx context.Context, fn string, args map[string]any) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial admin: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cookie, err := c.roundTrip(conn, map[string]any{"q": "cookie"})
	if err != nil {
		return nil, c.wrap(ctx, fn, err)
	}

	req := map[string]any{
		"txid":   uuid.NewString(),
		"q":      "auth",
		"aq":     fn,
		"cookie": cookie.stringValue("cookie"),
		"hash":   sha256Hex([]byte(c.password + cookie.stringValue("cookie"))),
	}
	if args != nil {
		req["args"] = args
	}

	var first bytes.Buffer
	if err := bencode.Marshal(&first, req); err != nil {
		return nil, fmt.Errorf("encode %s: %w", fn, err)
	}
	req["hash"] = sha256Hex(first.Bytes())

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		return nil, c.wrap(ctx, fn, err)
	}

	if msg := resp.stringValue("error"); msg != "" && msg != "none" {
		return nil, &tunnel.AdminError{Op: fn, Message: msg}
	}
	return resp, nil
}

// roundTrip sends req and waits for the reply carrying the same txid
func (c *Client) roundTrip(conn net.Conn, req map[string]any) (response, error) {
	txid, ok := req["txid"].(string)
	if !ok {
		txid = uuid.NewString()
		req["txid"] = txid
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, req); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	packet := make([]byte, maxPacket)
	for {
		n, err := conn.Read(packet)
		if err != nil {
			return nil, fmt.Errorf("receive: %w", err)
		}

		decoded, err := bencode.Decode(bytes.NewReader(packet[:n]))
		if err != nil {
			c.logger.Warn("discarding undecodable admin reply", "error", err)
			continue
		}
		resp, ok := decoded.(map[string]any)
		if !ok {
			c.logger.Warn("discarding admin reply that is not a dictionary")
			continue
		}
		// Not ours.
		if got, _ := resp["txid"].(string); got != txid {
			continue
		}
		return resp, nil
	}
}

func (c *Client) wrap(ctx context.Context, fn string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", fn, tunnel.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", fn, err)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ListConnections returns the ids of every IP tunnel connection
func (c *Client) ListConnections(ctx context.Context) ([]int, error) {
	resp, err := c.call(ctx, "IpTunnel_listConnections", nil)
	if err != nil {
		return nil, err
	}

	raw, _ := resp["connections"].([]any)
	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("IpTunnel_listConnections: unexpected connection id %v", v)
		}
		ids = append(ids, int(id))
	}
	return ids, nil
}

// ShowConnection returns the remote key and direction of a connection
func (c *Client) ShowConnection(ctx context.Context, id int) (tunnel.Connection, error) {
	resp, err := c.call(ctx, "IpTunnel_showConnection", map[string]any{"connection": id})
	if err != nil {
		return tunnel.Connection{}, err
	}

	outgoing, _ := resp.intValue("outgoing")
	return tunnel.Connection{
		ID:       id,
		Key:      resp.stringValue("key"),
		Outgoing: outgoing != 0,
	}, nil
}

// AllowConnection lets the given key connect and hands it an IPv4 address
func (c *Client) AllowConnection(ctx context.Context, allow tunnel.Allow) (int, error) {
	resp, err := c.call(ctx, "IpTunnel_allowConnection", map[string]any{
		"publicKeyOfAuthorizedNode": allow.Key,
		"ip4Address":                allow.Address,
		"ip4Prefix":                 allow.Prefix,
	})
	if err != nil {
		return 0, err
	}

	id, _ := resp.intValue("connection")
	return id, nil
}

// RemoveConnection tears down a connection
func (c *Client) RemoveConnection(ctx context.Context, id int) error {
	_, err := c.call(ctx, "IpTunnel_removeConnection", map[string]any{"connection": id})
	return err
}

// Ping checks that the admin socket answers
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return fmt.Errorf("dial admin: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	resp, err := c.roundTrip(conn, map[string]any{"q": "ping"})
	if err != nil {
		return c.wrap(ctx, "ping", err)
	}
	if q := resp.stringValue("q"); q != "pong" {
		return fmt.Errorf("ping: unexpected reply %q", q)
	}
	return nil
}

var _ tunnel.Admin = (*Client)(nil)
