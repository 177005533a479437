package sni

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// BuildClientHello assembles a plausible TLS 1.2/1.3 ClientHello record
// carrying the given server_name list and ALPN protocols. The selftest and
// the sniffer tests drive synthetic handshakes through it; it is not meant
// to negotiate anything.
func BuildClientHello(names []ServerName, alpn []string) ([]byte, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("failed to generate random: %v", err)
	}
	sessionID := make([]byte, 32)
	if _, err := rand.Read(sessionID); err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %v", err)
	}

	cipherSuites := []uint16{
		0x1301, // TLS_AES_128_GCM_SHA256
		0x1303, // TLS_CHACHA20_POLY1305_SHA256
		0x1302, // TLS_AES_256_GCM_SHA384
		0xc02b, // TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
		0xc02f, // TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256
	}

	var body cryptobyte.Builder
	body.AddUint16(0x0303) // client_version TLS 1.2
	body.AddBytes(random)
	body.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sessionID)
	})
	body.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cs := range cipherSuites {
			b.AddUint16(cs)
		}
	})
	body.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // null compression
	})
	body.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		addExtensions(b, names, alpn)
	})

	bodyBytes, err := body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build ClientHello body: %v", err)
	}

	var hs cryptobyte.Builder
	hs.AddUint8(handshakeTypeClientHello)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(bodyBytes)
	})
	hsBytes, err := hs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build handshake: %v", err)
	}

	var rec cryptobyte.Builder
	rec.AddUint8(recordTypeHandshake)
	rec.AddUint16(0x0301) // record version TLS 1.0 for compatibility
	rec.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(hsBytes)
	})
	return rec.Bytes()
}

// BuildClientHelloHost is the single-hostname convenience wrapper.
func BuildClientHelloHost(host string) ([]byte, error) {
	if host == "" {
		return BuildClientHello(nil, nil)
	}
	return BuildClientHello(
		[]ServerName{{Type: TypeHostname, Value: []byte(host)}},
		[]string{"h2", "http/1.1"},
	)
}

func addExtensions(b *cryptobyte.Builder, names []ServerName, alpn []string) {
	// server_name first; some middleboxes fast-path on that layout.
	if len(names) > 0 {
		b.AddUint16(0x0000)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, n := range names {
					b.AddUint8(n.Type)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(n.Value)
					})
				}
			})
		})
	}

	// supported_groups
	b.AddUint16(0x000a)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, g := range []uint16{0x001d, 0x0017, 0x0018} {
				b.AddUint16(g)
			}
		})
	})

	// ALPN
	if len(alpn) > 0 {
		b.AddUint16(0x0010)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, p := range alpn {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(p))
					})
				}
			})
		})
	}

	// supported_versions
	b.AddUint16(0x002b)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0304)
			b.AddUint16(0x0303)
		})
	})

	// signature_algorithms
	b.AddUint16(0x000d)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, a := range []uint16{0x0403, 0x0804, 0x0401} {
				b.AddUint16(a)
			}
		})
	})
}
