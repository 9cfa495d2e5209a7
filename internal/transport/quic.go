package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	alpnProtocol  = "ouroboros-ec"
	streamTimeout = 30 * time.Second
)

const (
	logKeyAddress = "address"
	logKeyType    = "type"
	logKeyError   = "error"
)

// QUICConfig tunes the QUIC connections. Durations are in milliseconds.
type QUICConfig struct {
	MaxIdleTimeout     int64
	KeepAlivePeriod    int64
	MaxIncomingStreams int64
}

// DefaultQUICConfig returns the settings used by the daemon.
func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		MaxIdleTimeout:     30_000,
		KeepAlivePeriod:    10_000,
		MaxIncomingStreams: 1000,
	}
}

// QUICTransport serves the local Mux and calls remote nodes over QUIC. Every
// request uses its own stream on a pooled, persistent connection.
type QUICTransport struct {
	logger    *slog.Logger
	mux       *Mux
	tlsConfig *tls.Config
	quicConf  *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[model.Address]*quic.Conn
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Caller = (*QUICTransport)(nil)

// NewQUICTransport creates a transport that dispatches incoming requests to
// mux.
func NewQUICTransport(logger *slog.Logger, cfg QUICConfig, mux *Mux) (*QUICTransport, error) { // A
	if logger == nil {
		return nil, errors.New("transport: logger is required")
	}
	if mux == nil {
		return nil, errors.New("transport: mux is required")
	}
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		logger:    logger,
		mux:       mux,
		tlsConfig: tlsConfig,
		quicConf: &quic.Config{
			MaxIdleTimeout:     time.Duration(cfg.MaxIdleTimeout) * time.Millisecond,
			KeepAlivePeriod:    time.Duration(cfg.KeepAlivePeriod) * time.Millisecond,
			MaxIncomingStreams: cfg.MaxIncomingStreams,
		},
		conns:  make(map[model.Address]*quic.Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Listen starts serving on address and returns the bound address.
func (t *QUICTransport) Listen(address string) (string, error) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", errors.New("transport is closed")
	}
	if t.listener != nil {
		return "", errors.New("transport is already listening")
	}

	ln, err := quic.ListenAddr(address, t.tlsConfig, t.quicConf)
	if err != nil {
		return "", fmt.Errorf("quic listen: %w", err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (t *QUICTransport) acceptLoop(ln *quic.Listener) { // A
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("quic accept failed", logKeyError, err.Error())
			}
			return
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *QUICTransport) serveConn(conn *quic.Conn) { // A
	defer t.wg.Done()
	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.serveStream(stream)
	}
}

func (t *QUICTransport) serveStream(stream *quic.Stream) { // A
	defer t.wg.Done()
	defer func() { _ = stream.Close() }()

	if err := stream.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		return
	}
	tag, payload, err := readFrame(stream)
	if err != nil {
		t.logger.Debug("read request failed", logKeyError, err.Error())
		return
	}

	msgType := MessageType(tag)
	ctx, cancel := context.WithTimeout(t.ctx, streamTimeout)
	defer cancel()

	resp, err := t.mux.Dispatch(ctx, msgType, payload)
	if err != nil {
		t.logger.Debug("request handler failed",
			logKeyType, msgType.String(),
			logKeyError, err.Error())
		_ = writeFrame(stream, statusError, []byte(err.Error()))
		return
	}
	if err := writeFrame(stream, statusOK, resp); err != nil {
		t.logger.Debug("write response failed", logKeyError, err.Error())
	}
}

// Call sends a request to the node at to and waits for the response.
// Connection and stream failures are reported wrapped in ErrUnreachable.
func (t *QUICTransport) Call(
	ctx context.Context,
	to model.Address,
	msgType MessageType,
	payload []byte,
) ([]byte, error) { // A
	conn, err := t.conn(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, to, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.drop(to, conn)
		return nil, fmt.Errorf("%w: %s: open stream: %w", ErrUnreachable, to, err)
	}
	defer stream.CancelRead(0)

	deadline := time.Now().Add(streamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := stream.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeFrame(stream, byte(msgType), payload); err != nil {
		stream.CancelWrite(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, to, err)
	}
	// half-close: the server reads until it has the whole frame
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, to, err)
	}

	status, resp, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, to, err)
	}
	if status != statusOK {
		return nil, &RemoteError{Message: string(resp)}
	}
	return resp, nil
}

func (t *QUICTransport) conn(ctx context.Context, to model.Address) (*quic.Conn, error) { // A
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	if c, ok := t.conns[to]; ok && c.Context().Err() == nil {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // peers use throwaway self-signed certificates
		NextProtos:         []string{alpnProtocol},
	}
	c, err := quic.DialAddr(ctx, string(to), clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[to]; ok && existing.Context().Err() == nil {
		_ = c.CloseWithError(0, "duplicate connection")
		return existing, nil
	}
	t.conns[to] = c
	return c, nil
}

func (t *QUICTransport) drop(to model.Address, c *quic.Conn) { // A
	t.mu.Lock()
	if t.conns[to] == c {
		delete(t.conns, to)
	}
	t.mu.Unlock()
	_ = c.CloseWithError(0, "dropped")
}

// Close stops the listener, closes every pooled connection and waits for
// in-flight handlers.
func (t *QUICTransport) Close() error { // A
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for addr, c := range t.conns {
		_ = c.CloseWithError(0, "transport closed")
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// generateTLSConfig creates a TLS configuration with a self-signed certificate.
func generateTLSConfig() (*tls.Config, error) { // A
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"ouroboros-ec"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}
