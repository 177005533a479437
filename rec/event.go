package rec

import (
	"time"

	"github.com/remmody/tlstap/config"
)

// Event is the unit of emitted telemetry. Every field is independently
// optional except Role and Origin: the two capture stages populate disjoint
// subsets and either may fire without the other. An event is never mutated
// after Commit.
type Event struct {
	Kind string    `json:"-"`
	Time time.Time `json:"-"`

	ConnID       string `json:"conn_id,omitempty"`
	SNIHostname  string `json:"sni_hostname,omitempty"`
	ResolvedHost string `json:"resolved_host,omitempty"`
	PeerAddress  string `json:"peer_address,omitempty"`
	PeerPort     int    `json:"peer_port,omitempty"`
	Protocol     string `json:"protocol_version,omitempty"`
	CipherSuite  string `json:"cipher_suite,omitempty"`
	PeerCertCN   string `json:"peer_cert_cn,omitempty"`
	Role         string `json:"role"`
	Origin       string `json:"origin"`
	DurationMS   *int64 `json:"duration_ms,omitempty"`
	Stack        string `json:"stack,omitempty"`
}

// Connection roles for correlated events. Immediate captures use the stage
// tag (the event kind name) instead.
const (
	RoleClient = "CLIENT"
	RoleServer = "SERVER"
)

// Frame kind bytes. Kind names outside this set fall back to kindOther.
const (
	kindOther           byte = 0
	kindClientIndicated byte = 1
	kindHandshakeInfo   byte = 2
	kindHeartbeat       byte = 3
)

func kindID(name string) byte {
	switch name {
	case config.KindClientIndicated:
		return kindClientIndicated
	case config.KindHandshakeInfo:
		return kindHandshakeInfo
	case config.KindHeartbeat:
		return kindHeartbeat
	default:
		return kindOther
	}
}

func kindName(id byte) string {
	switch id {
	case kindClientIndicated:
		return config.KindClientIndicated
	case kindHandshakeInfo:
		return config.KindHandshakeInfo
	case kindHeartbeat:
		return config.KindHeartbeat
	default:
		return "other"
	}
}
