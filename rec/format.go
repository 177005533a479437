package rec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Recording file layout:
//
//	header:  magic "TTAP" | u8 version | u64 created millis
//	frame:   u32 payload length | u8 kind | u64 event millis | payload JSON
//
// Frames are appended and never rewritten; a truncated trailing frame (a
// crash mid-dump) is treated as end of file, not corruption.

var magic = [4]byte{'T', 'T', 'A', 'P'}

const (
	formatVersion  = 1
	headerSize     = 4 + 1 + 8
	frameHeadSize  = 4 + 1 + 8
	maxPayloadSize = 1 << 20
)

func writeHeader(w io.Writer) error {
	hdr := make([]byte, headerSize)
	copy(hdr[0:4], magic[:])
	hdr[4] = formatVersion
	binary.BigEndian.PutUint64(hdr[5:13], uint64(time.Now().UnixMilli()))
	_, err := w.Write(hdr)
	return err
}

func encodeFrame(ev *Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	frame := make([]byte, frameHeadSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	frame[4] = kindID(ev.Kind)
	binary.BigEndian.PutUint64(frame[5:13], uint64(ev.Time.UnixMilli()))
	copy(frame[frameHeadSize:], payload)
	return frame, nil
}

// Reader iterates the frames of a recording file.
type Reader struct {
	r       io.Reader
	created time.Time
}

func NewReader(r io.Reader) (*Reader, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("failed to read recording header: %w", err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return nil, fmt.Errorf("not a recording file (bad magic)")
	}
	if hdr[4] != formatVersion {
		return nil, fmt.Errorf("unsupported recording version %d", hdr[4])
	}
	created := time.UnixMilli(int64(binary.BigEndian.Uint64(hdr[5:13])))
	return &Reader{r: r, created: created}, nil
}

// Created reports when the recording chunk was started.
func (r *Reader) Created() time.Time { return r.created }

// Next returns the next event, or io.EOF at the end of the recording. A
// truncated trailing frame also reports io.EOF.
func (r *Reader) Next() (Event, error) {
	head := make([]byte, frameHeadSize)
	if _, err := io.ReadFull(r.r, head); err != nil {
		return Event{}, io.EOF
	}
	plen := binary.BigEndian.Uint32(head[0:4])
	if plen == 0 || plen > maxPayloadSize {
		return Event{}, io.EOF
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Event{}, io.EOF
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event payload: %w", err)
	}
	ev.Kind = kindName(head[4])
	ev.Time = time.UnixMilli(int64(binary.BigEndian.Uint64(head[5:13])))
	return ev, nil
}
