package sni

import (
	"github.com/remmody/tlstap/log"
)

const (
	recordTypeHandshake     uint8 = 0x16
	handshakeTypeClientHello uint8 = 1
)

// SNI name type discriminator for host_name in the server_name extension.
const TypeHostname byte = 0

// ServerName is one typed entry of a server_name list.
type ServerName struct {
	Type  byte
	Value []byte
}

// HelloInfo is what the sniffer can learn from a ClientHello without
// decoding anything past the extension list.
type HelloInfo struct {
	ServerNames []ServerName
	ALPN        []string
	HasECH      bool
}

// Hostname picks the authoritative indicated hostname out of a typed name
// list: the first host_name entry wins, later entries are ignored.
func Hostname(names []ServerName) (string, bool) {
	for _, n := range names {
		if n.Type != TypeHostname {
			continue
		}
		host := string(n.Value)
		if !ValidateHostname(host) {
			log.Tracef("SNI: invalid hostname rejected: %q", host)
			return "", false
		}
		return host, true
	}
	return "", false
}

func isValidSNIChar(b byte) bool {
	if (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '-' || b == '.' || b == '_' {
		return true
	}
	if b >= 128 {
		return true
	}
	return false
}

// ValidateHostname applies the same acceptance rules the wire parser does:
// hostname-safe bytes only, and a dot somewhere unless it is localhost.
func ValidateHostname(host string) bool {
	if len(host) == 0 {
		return false
	}
	dot := false
	for i := 0; i < len(host); i++ {
		if !isValidSNIChar(host[i]) {
			log.Tracef("Invalid SNI char at position %d: 0x%02x in %q", i, host[i], host)
			return false
		}
		if host[i] == '.' {
			dot = true
		}
	}
	if host != "localhost" && !dot {
		return false
	}
	return true
}

// SniffClientHello scans a raw byte prefix for a handshake record carrying a
// ClientHello and extracts what it can. Truncated records are parsed as far
// as they go; anything unparseable reports no hello rather than an error.
func SniffClientHello(b []byte) (HelloInfo, bool) {
	i := 0
	for i+5 <= len(b) {
		if b[i] != recordTypeHandshake {
			i++
			continue
		}

		recLen := int(b[i+3])<<8 | int(b[i+4])
		if recLen <= 0 {
			i++
			continue
		}

		// Tolerate a truncated final record.
		if i+5+recLen > len(b) {
			recLen = len(b) - i - 5
			if recLen <= 0 {
				i++
				continue
			}
		}

		rec := b[i+5 : i+5+recLen]
		if len(rec) < 4 {
			i++
			continue
		}

		if rec[0] == handshakeTypeClientHello {
			hl := int(rec[1])<<16 | int(rec[2])<<8 | int(rec[3])
			if 4+hl > len(rec) {
				hl = len(rec) - 4
				if hl <= 0 {
					i++
					continue
				}
			}

			info, ok := parseClientHelloBody(rec[4 : 4+hl])
			if !ok {
				i++
				continue
			}
			return info, true
		}
		i += 5 + recLen
	}
	return HelloInfo{}, false
}

// parseClientHelloBody walks a ClientHello body up to the extensions and
// collects the server_name list, ALPN protocols, and ECH presence.
func parseClientHelloBody(ch []byte) (HelloInfo, bool) {
	p := 0
	chLen := len(ch)

	// Version (2 bytes)
	if p+2 > chLen {
		return HelloInfo{}, false
	}
	p += 2

	// Random (32 bytes)
	if p+32 > chLen {
		return HelloInfo{}, false
	}
	p += 32

	// Session ID
	if p+1 > chLen {
		return HelloInfo{}, false
	}
	sidLen := int(ch[p])
	p++
	if p+sidLen > chLen {
		return HelloInfo{}, false
	}
	p += sidLen

	// Cipher suites
	if p+2 > chLen {
		return HelloInfo{}, false
	}
	csLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	if p+csLen > chLen {
		return HelloInfo{}, false
	}
	p += csLen

	// Compression methods
	if p+1 > chLen {
		return HelloInfo{}, false
	}
	cmLen := int(ch[p])
	p++
	if p+cmLen > chLen {
		return HelloInfo{}, false
	}
	p += cmLen

	// Extensions - be tolerant if truncated
	if p+2 > chLen {
		return HelloInfo{}, false
	}
	extLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	if extLen == 0 {
		return HelloInfo{}, true
	}
	if p+extLen > chLen {
		extLen = chLen - p
		if extLen <= 0 {
			return HelloInfo{}, false
		}
	}

	exts := ch[p : p+extLen]
	extEnd := len(exts)

	var info HelloInfo

	q := 0
	for q+4 <= extEnd {
		et := int(exts[q])<<8 | int(exts[q+1])
		el := int(exts[q+2])<<8 | int(exts[q+3])
		q += 4

		if el < 0 || q+el > extEnd {
			// Truncated extension
			break
		}

		ed := exts[q : q+el]

		switch et {
		case 0: // server_name
			info.ServerNames = append(info.ServerNames, parseServerNameList(ed)...)

		case 16: // ALPN
			info.ALPN = parseALPNList(ed)

		default:
			if et == 0xfe0d || et == 0xfe0e || et == 0xfe0f {
				info.HasECH = true
			}
		}
		q += el
	}

	return info, true
}

func parseServerNameList(ed []byte) []ServerName {
	if len(ed) < 2 {
		return nil
	}

	listLen := int(ed[0])<<8 | int(ed[1])
	if listLen <= 0 || 2+listLen > len(ed) {
		return nil
	}

	var names []ServerName
	r := 2
	listEnd := 2 + listLen

	for r+3 <= listEnd {
		nameType := ed[r]
		r++

		if r+2 > listEnd {
			break
		}
		nameLen := int(ed[r])<<8 | int(ed[r+1])
		r += 2

		if nameLen <= 0 || r+nameLen > listEnd || r+nameLen > len(ed) {
			break
		}

		value := make([]byte, nameLen)
		copy(value, ed[r:r+nameLen])
		names = append(names, ServerName{Type: nameType, Value: value})

		r += nameLen
	}

	return names
}

func parseALPNList(ed []byte) []string {
	var alpns []string

	if len(ed) < 2 {
		return alpns
	}

	listLen := int(ed[0])<<8 | int(ed[1])
	if listLen <= 0 || 2+listLen > len(ed) {
		return alpns
	}

	r := 2
	listEnd := 2 + listLen

	for r < listEnd {
		if r >= len(ed) {
			break
		}

		protoLen := int(ed[r])
		r++

		if protoLen <= 0 || r+protoLen > listEnd || r+protoLen > len(ed) {
			break
		}

		alpns = append(alpns, string(ed[r:r+protoLen]))
		r += protoLen
	}

	return alpns
}
