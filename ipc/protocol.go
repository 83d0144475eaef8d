// Package ipc serves process status to a local monitor over a unix socket.
//
// A request is 8 bytes, little-endian:
//
//	command u32 | payload u32
//
// Every reply starts with the command it answers (u32). CmdStatus replies
// with a packed status block:
//
//	uptime-seconds u64 | workers u32 | workers x (id u64 | running u8 | conns u64)
//
// CmdStatusWire replies with a u32 length and a protobuf-wire encoded
// snapshot that also carries storage and per-route metrics.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Commands
const (
	CmdStatus     uint32 = 0x00
	CmdStatusWire uint32 = 0x01
)

// Wire sizes
const (
	RequestSize      = 8
	StatusHeaderSize = 12
	WorkerRecordSize = 17

	// MaxWorkers bounds the worker count a client will accept
	MaxWorkers = 1 << 16
	// MaxWireSize bounds a CmdStatusWire payload
	MaxWireSize = 1 << 20
)

var (
	ErrUnexpectedCommand = errors.New("ipc: unexpected reply command")
	ErrTooLarge          = errors.New("ipc: reply too large")
	ErrMalformed         = errors.New("ipc: malformed reply")
)

// Request is one client request
type Request struct {
	Command uint32
	Payload uint32
}

// Encode returns the request's wire form
func (r Request) Encode() []byte {
	buf := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Command)
	binary.LittleEndian.PutUint32(buf[4:], r.Payload)
	return buf
}

// DecodeRequest decodes a request; buf must hold RequestSize bytes
func DecodeRequest(buf []byte) Request {
	return Request{
		Command: binary.LittleEndian.Uint32(buf[0:]),
		Payload: binary.LittleEndian.Uint32(buf[4:]),
	}
}

// WorkerStatus is one worker's entry in a snapshot
type WorkerStatus struct {
	ID      uint64
	Running bool
	Conns   uint64
}

// RouteStats is one route's entry in a wire snapshot
type RouteStats struct {
	Name   string
	Count  uint64
	Errors uint64
	Total  time.Duration
	Min    time.Duration
	Max    time.Duration
	// Latency holds request counts per latency bucket, fastest first
	Latency []uint64
}

// Snapshot is the process status reported to monitors. NextID and Routes
// only travel over CmdStatusWire.
type Snapshot struct {
	Uptime  time.Duration
	Workers []WorkerStatus
	NextID  uint64
	Routes  []RouteStats
}

// AppendStatus appends the packed CmdStatus body, without the command prefix
func AppendStatus(dst []byte, s Snapshot) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(s.Uptime/time.Second))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Workers)))
	for _, w := range s.Workers {
		dst = binary.LittleEndian.AppendUint64(dst, w.ID)
		if w.Running {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
		dst = binary.LittleEndian.AppendUint64(dst, w.Conns)
	}
	return dst
}

// ReadStatus reads a packed CmdStatus body
func ReadStatus(r io.Reader) (Snapshot, error) {
	var hdr [StatusHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Snapshot{}, fmt.Errorf("ipc: read status header: %w", err)
	}

	s := Snapshot{
		Uptime: time.Duration(binary.LittleEndian.Uint64(hdr[0:])) * time.Second,
	}
	n := binary.LittleEndian.Uint32(hdr[8:])
	if n > MaxWorkers {
		return Snapshot{}, fmt.Errorf("%w: %d workers", ErrTooLarge, n)
	}

	body := make([]byte, int(n)*WorkerRecordSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Snapshot{}, fmt.Errorf("ipc: read workers: %w", err)
	}
	s.Workers = make([]WorkerStatus, n)
	for i := range s.Workers {
		rec := body[i*WorkerRecordSize:]
		s.Workers[i] = WorkerStatus{
			ID:      binary.LittleEndian.Uint64(rec[0:]),
			Running: rec[8] != 0,
			Conns:   binary.LittleEndian.Uint64(rec[9:]),
		}
	}
	return s, nil
}

// Snapshot field numbers
const (
	fieldUptime  protowire.Number = 1
	fieldWorker  protowire.Number = 2
	fieldNextID  protowire.Number = 3
	fieldRoute   protowire.Number = 4
	fieldID      protowire.Number = 1
	fieldRunning protowire.Number = 2
	fieldConns   protowire.Number = 3
	fieldName    protowire.Number = 1
	fieldCount   protowire.Number = 2
	fieldErrors  protowire.Number = 3
	fieldTotal   protowire.Number = 4
	fieldMin     protowire.Number = 5
	fieldMax     protowire.Number = 6
	fieldLatency protowire.Number = 7
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// MarshalWire encodes s in protobuf wire format
func MarshalWire(s Snapshot) []byte {
	var b []byte
	b = appendVarint(b, fieldUptime, uint64(s.Uptime/time.Second))
	for _, w := range s.Workers {
		var m []byte
		m = appendVarint(m, fieldID, w.ID)
		m = appendVarint(m, fieldRunning, protowire.EncodeBool(w.Running))
		m = appendVarint(m, fieldConns, w.Conns)
		b = protowire.AppendTag(b, fieldWorker, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = appendVarint(b, fieldNextID, s.NextID)
	for _, r := range s.Routes {
		var m []byte
		m = protowire.AppendTag(m, fieldName, protowire.BytesType)
		m = protowire.AppendString(m, r.Name)
		m = appendVarint(m, fieldCount, r.Count)
		m = appendVarint(m, fieldErrors, r.Errors)
		m = appendVarint(m, fieldTotal, uint64(r.Total))
		m = appendVarint(m, fieldMin, uint64(r.Min))
		m = appendVarint(m, fieldMax, uint64(r.Max))
		if len(r.Latency) > 0 {
			var packed []byte
			for _, n := range r.Latency {
				packed = protowire.AppendVarint(packed, n)
			}
			m = protowire.AppendTag(m, fieldLatency, protowire.BytesType)
			m = protowire.AppendBytes(m, packed)
		}
		b = protowire.AppendTag(b, fieldRoute, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalWire decodes a snapshot. Unknown fields are skipped.
func UnmarshalWire(b []byte) (Snapshot, error) {
	var s Snapshot
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldUptime && typ == protowire.VarintType:
			s.Uptime = time.Duration(v) * time.Second
		case num == fieldNextID && typ == protowire.VarintType:
			s.NextID = v
		case num == fieldWorker && typ == protowire.BytesType:
			w, err := unmarshalWorker(raw)
			if err != nil {
				return err
			}
			s.Workers = append(s.Workers, w)
		case num == fieldRoute && typ == protowire.BytesType:
			r, err := unmarshalRoute(raw)
			if err != nil {
				return err
			}
			s.Routes = append(s.Routes, r)
		}
		return nil
	})
	return s, err
}

func unmarshalWorker(b []byte) (WorkerStatus, error) {
	var w WorkerStatus
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case fieldID:
			w.ID = v
		case fieldRunning:
			w.Running = protowire.DecodeBool(v)
		case fieldConns:
			w.Conns = v
		}
		return nil
	})
	return w, err
}

func unmarshalRoute(b []byte) (RouteStats, error) {
	var r RouteStats
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		if num == fieldName && typ == protowire.BytesType {
			r.Name = string(raw)
			return nil
		}
		if num == fieldLatency && typ == protowire.BytesType {
			for len(raw) > 0 {
				n, l := protowire.ConsumeVarint(raw)
				if l < 0 {
					return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(l))
				}
				r.Latency = append(r.Latency, n)
				raw = raw[l:]
			}
			return nil
		}
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case fieldCount:
			r.Count = v
		case fieldErrors:
			r.Errors = v
		case fieldTotal:
			r.Total = time.Duration(v)
		case fieldMin:
			r.Min = time.Duration(v)
		case fieldMax:
			r.Max = time.Duration(v)
		}
		return nil
	})
	return r, err
}

// eachField walks top-level fields, handing varints as v and length
// delimited fields as raw
func eachField(b []byte, fn func(protowire.Number, protowire.Type, uint64, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}
