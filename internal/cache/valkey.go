package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyOptions holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

// ValkeyProvider implements Provider against a Valkey server using a minimal
// RESP codec. Each operation dials a fresh connection; the workload here is
// low-frequency snapshot reads and writes, not a hot path.
type ValkeyProvider struct {
	opts ValkeyOptions
}

// NewValkeyProvider creates a Provider and pings the target to fail fast on
// bad credentials or connectivity.
func NewValkeyProvider(opts ValkeyOptions) (*ValkeyProvider, error) {
	if opts.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 500 * time.Millisecond
	}

	p := &ValkeyProvider{opts: opts}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != '+' || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case 0:
		return nil, ErrCacheMiss
	case '$':
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected GET reply type %q", reply.kind)
	}
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if reply.kind != '+' || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	args = append(args, "NX")
	reply, err := p.do(ctx, args...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case '+':
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected SETNX reply type %q", reply.kind)
	}
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close is a no-op; connections are per-operation.
func (p *ValkeyProvider) Close() error { return nil }

// respReply carries one decoded RESP reply. kind is the RESP type prefix
// byte, or 0 for a nil bulk string.
type respReply struct {
	kind byte
	data []byte
}

func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respReply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return respReply{}, err
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if err := p.handshake(conn, rw); err != nil {
		return respReply{}, err
	}

	if err := writeCommand(conn, rw, p.opts.WriteTimeout, args...); err != nil {
		return respReply{}, err
	}
	return readReply(conn, rw.Reader, p.opts.ReadTimeout)
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.opts.DialTimeout}
	if !p.opts.TLS {
		return dialer.DialContext(ctx, "tcp", p.opts.Addr)
	}
	host := p.opts.Addr
	if h, _, err := net.SplitHostPort(p.opts.Addr); err == nil {
		host = h
	}
	return tls.DialWithDialer(&dialer, "tcp", p.opts.Addr, &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	})
}

func (p *ValkeyProvider) handshake(conn net.Conn, rw *bufio.ReadWriter) error {
	if p.opts.Password != "" {
		cmd := []string{"AUTH"}
		if p.opts.Username != "" {
			cmd = append(cmd, p.opts.Username)
		}
		cmd = append(cmd, p.opts.Password)
		if err := roundTrip(conn, rw, p.opts, "auth", cmd...); err != nil {
			return err
		}
	}
	if p.opts.DB > 0 {
		if err := roundTrip(conn, rw, p.opts, "select", "SELECT", strconv.Itoa(p.opts.DB)); err != nil {
			return err
		}
	}
	return nil
}

func roundTrip(conn net.Conn, rw *bufio.ReadWriter, opts ValkeyOptions, op string, args ...string) error {
	if err := writeCommand(conn, rw, opts.WriteTimeout, args...); err != nil {
		return err
	}
	reply, err := readReply(conn, rw.Reader, opts.ReadTimeout)
	if err != nil {
		return err
	}
	if reply.kind != '+' || !strings.EqualFold(string(reply.data), "OK") {
		return fmt.Errorf("%s failed: %s", op, reply.data)
	}
	return nil
}

func writeCommand(conn net.Conn, rw *bufio.ReadWriter, timeout time.Duration, args ...string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	fmt.Fprintf(rw, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(arg), arg)
	}
	return rw.Flush()
}

func readReply(conn net.Conn, r *bufio.Reader, timeout time.Duration) (respReply, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return respReply{}, err
	}
	prefix, err := r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return respReply{}, err
	}

	switch prefix {
	case '+', ':':
		return respReply{kind: prefix, data: line}, nil
	case '-':
		return respReply{}, errors.New(string(line))
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if size < 0 {
			return respReply{}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("invalid bulk string termination")
		}
		return respReply{kind: prefix, data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
