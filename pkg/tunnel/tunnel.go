// SPDX-License-Identifier: Apache-2.0

// Package tunnel opens an SSH local-forward to a source database that
// sits behind a bastion, and supplies the tunnel-retry operator that
// wraps every read crossing it.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cloudflare/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/dbadapter"
)

const (
	maxRetryBackoff = 30 * time.Second
	retryInterval   = 500 * time.Millisecond
	maxRetries      = 5
)

// Config mirrors the connections.<name>.tunnel block in the config file.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	RemoteHost     string
	RemotePort     int
}

// Tunnel is a live SSH local-forward: connections to LocalAddr() are
// proxied over the SSH connection to Config.RemoteHost:RemotePort.
type Tunnel struct {
	client   *ssh.Client
	listener net.Listener
	done     chan struct{}
}

// Open dials the SSH endpoint, authenticates, and starts forwarding
// connections accepted on an ephemeral local port to the remote address.
func Open(ctx context.Context, cfg Config) (*Tunnel, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, &dbadapter.TunnelError{Msg: "build auth method", Err: err}
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{Timeout: sshCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &dbadapter.TunnelError{Msg: "dial " + addr, Err: err}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return nil, &dbadapter.TunnelError{Msg: "ssh handshake with " + addr, Err: err}
	}
	client := ssh.NewClient(c, chans, reqs)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = client.Close()
		return nil, &dbadapter.TunnelError{Msg: "listen on local forward port", Err: err}
	}

	t := &Tunnel{client: client, listener: listener, done: make(chan struct{})}
	go t.acceptLoop(cfg.RemoteHost, cfg.RemotePort)

	return t, nil
}

func authMethod(cfg Config) ([]ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", cfg.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
}

func (t *Tunnel) acceptLoop(remoteHost string, remotePort int) {
	remoteAddr := fmt.Sprintf("%s:%d", remoteHost, remotePort)
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				return
			}
		}
		go t.forward(local, remoteAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { copyAndSignal(remote, local, done) }()
	go func() { copyAndSignal(local, remote, done) }()
	<-done
}

func copyAndSignal(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}

// LocalAddr returns the loopback host/port the tunnel is listening on;
// the caller points its database driver at this address instead of the
// real source host.
func (t *Tunnel) LocalAddr() (string, int) {
	addr := t.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close tears the tunnel down; safe to call more than once.
func (t *Tunnel) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	_ = t.listener.Close()
	return t.client.Close()
}

// Retry wraps exactly one read call in an exponential backoff with
// jitter, matching the lock-retry backoff pattern pkg/db uses.
// It retries transient failures reading from the source across the SSH
// tunnel, such as a dropped forwarded connection.
func Retry[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	b := backoff.New(maxRetryBackoff, retryInterval)

	var zero T
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return zero, fmt.Errorf("tunnel retry exhausted after %d attempts: %w", maxRetries, lastErr)
}

// RetryOperator adapts Retry to datasync.RetryFunc, so the data syncer and
// analyzer can wrap their reads without depending on this package's
// generic signature.
func RetryOperator() datasync.RetryFunc {
	return func(ctx context.Context, op func(context.Context) error) error {
		_, err := Retry(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx)
		})
		return err
	}
}
