package relay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/refract/media"
)

// ErrFingerprintMismatch means the relay presented a certificate whose
// SHA-256 fingerprint does not match the pinned value.
var ErrFingerprintMismatch = errors.New("relay: certificate fingerprint mismatch")

// Client receives decoded message envelopes from a relay server.
type Client struct {
	conn   quic.Connection
	stream quic.ReceiveStream
	br     *bufio.Reader
}

// Dial connects to a relay server at addr. If fingerprint is non-nil
// it must be the SHA-256 of the server's certificate; a nil fingerprint
// skips verification entirely and should only be used in tests.
func Dial(ctx context.Context, addr string, fingerprint []byte) (*Client, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
	if fingerprint != nil {
		want := fingerprint
		tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], want) {
				return ErrFingerprintMismatch
			}
			return nil
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  relayIdleTimeout,
		KeepAlivePeriod: relayKeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no envelope stream")
		return nil, fmt.Errorf("relay: accept envelope stream: %w", err)
	}

	br := bufio.NewReader(stream)
	if err := readHello(br); err != nil {
		_ = conn.CloseWithError(0, "bad hello")
		return nil, err
	}

	return &Client{
		conn:   conn,
		stream: stream,
		br:     br,
	}, nil
}

// Recv blocks until the next envelope arrives and returns the decoded
// message. It returns io.EOF when the server closes the stream.
func (c *Client) Recv() (*media.Message, error) {
	return ReadEnvelope(c.br)
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closing")
}
