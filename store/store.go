// Package store is an append-only key/value store with sequential ids.
//
// A store is a single file:
//
//	header   next-id u64 | bucket-count u64
//	table    bucket-count u64 slots, each a record offset or EmptySlot
//	log      records, appended
//
// The header and table are memory mapped. Records are written with pwrite
// and chained per bucket through their next field:
//
//	vlen u32 | id u64 | next u64 | self-offset u64 | value
//
// All integers are little-endian. A record becomes reachable only after it
// is fully written, and apart from the tail's next field records are never
// modified.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// EmptySlot marks an empty bucket and the end of a chain
	EmptySlot = math.MaxUint64

	// DefaultBuckets is used when creating a store without WithBuckets
	DefaultBuckets = 1024

	HeaderSize = 16
	SlotSize   = 8
	RecordSize = 28

	offNext = 12
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrCorrupt       = errors.New("store: corrupt file")
	ErrClosed        = errors.New("store: closed")
	ErrValueTooLarge = errors.New("store: value too large")
	ErrInvalidOption = errors.New("store: invalid option")
)

// Store is safe for concurrent use. Inserts are serialized; lookups run in
// parallel with each other.
type Store struct {
	mu sync.RWMutex

	f       *os.File
	mapped  []byte
	buckets uint64
	tail    int64
	sync    bool
	log     zerolog.Logger
	closed  bool
}

type options struct {
	buckets    uint64
	syncWrites bool
	log        zerolog.Logger
}

// Option configures Open
type Option func(*options)

// WithBuckets sets the bucket count of a new store. Existing stores keep
// the count in their header.
func WithBuckets(n uint64) Option {
	return func(o *options) { o.buckets = n }
}

// WithSyncWrites makes Insert flush the file and the mapped table before
// returning
func WithSyncWrites(on bool) Option {
	return func(o *options) { o.syncWrites = on }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Open opens the store at path, creating it when absent
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		buckets: DefaultBuckets,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buckets == 0 {
		return nil, fmt.Errorf("%w: zero buckets", ErrInvalidOption)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s, err := load(f, o)
	if err != nil {
		f.Close()
		return nil, err
	}

	o.log.Info().
		Str("path", path).
		Uint64("buckets", s.buckets).
		Uint64("next_id", s.NextID()).
		Int64("size", s.tail).
		Msg("store opened")
	return s, nil
}

func load(f *os.File, o options) (*Store, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat: %w", err)
	}

	size := st.Size()
	fresh := size == 0
	buckets := o.buckets

	if fresh {
		if buckets > (math.MaxInt64-HeaderSize)/SlotSize {
			return nil, fmt.Errorf("%w: %d buckets", ErrInvalidOption, buckets)
		}
		size = tableEnd(buckets)
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("store: truncate: %w", err)
		}
	} else {
		var hdr [HeaderSize]byte
		if size < HeaderSize {
			return nil, fmt.Errorf("%w: %d byte file", ErrCorrupt, size)
		}
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			return nil, fmt.Errorf("store: read header: %w", err)
		}
		buckets = binary.LittleEndian.Uint64(hdr[8:])
		if buckets == 0 || buckets > (uint64(size)-HeaderSize)/SlotSize {
			return nil, fmt.Errorf("%w: bucket count %d in %d byte file", ErrCorrupt, buckets, size)
		}
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(tableEnd(buckets)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("store: mmap: %w", err)
	}

	s := &Store{
		f:       f,
		mapped:  mapped,
		buckets: buckets,
		tail:    size,
		sync:    o.syncWrites,
		log:     o.log,
	}

	if fresh {
		binary.LittleEndian.PutUint64(mapped[0:], 0)
		binary.LittleEndian.PutUint64(mapped[8:], buckets)
		for i := uint64(0); i < buckets; i++ {
			s.setSlot(i, EmptySlot)
		}
		if err := s.flush(); err != nil {
			unix.Munmap(mapped)
			return nil, err
		}
	}
	return s, nil
}

func tableEnd(buckets uint64) int64 {
	return HeaderSize + int64(buckets)*SlotSize
}

func (s *Store) slot(i uint64) uint64 {
	return binary.LittleEndian.Uint64(s.mapped[HeaderSize+i*SlotSize:])
}

func (s *Store) setSlot(i, off uint64) {
	binary.LittleEndian.PutUint64(s.mapped[HeaderSize+i*SlotSize:], off)
}

func (s *Store) nextID() uint64 {
	return binary.LittleEndian.Uint64(s.mapped[0:])
}

func (s *Store) setNextID(id uint64) {
	binary.LittleEndian.PutUint64(s.mapped[0:], id)
}

// NextID returns the id the next Insert will assign
func (s *Store) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.nextID()
}

// Buckets returns the bucket count
func (s *Store) Buckets() uint64 {
	return s.buckets
}

// Size returns the file size including the log
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tail
}

// Insert appends value and returns its id. The id counter advances before
// the append, so a failed insert leaves a gap.
func (s *Store) Insert(value []byte) (uint64, error) {
	if uint64(len(value)) > math.MaxUint32 {
		return 0, ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	id := s.nextID()
	s.setNextID(id + 1)

	bucket := id % s.buckets
	pos := s.tail

	// find the chain tail before writing so a corrupt chain rejects the insert
	last := uint64(EmptySlot)
	if head := s.slot(bucket); head != EmptySlot {
		var err error
		last, err = s.chainTail(head)
		if err != nil {
			return 0, err
		}
	}

	rec := make([]byte, RecordSize+len(value))
	binary.LittleEndian.PutUint32(rec[0:], uint32(len(value)))
	binary.LittleEndian.PutUint64(rec[4:], id)
	binary.LittleEndian.PutUint64(rec[offNext:], EmptySlot)
	binary.LittleEndian.PutUint64(rec[20:], uint64(pos))
	copy(rec[RecordSize:], value)

	if _, err := s.f.WriteAt(rec, pos); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	s.tail += int64(len(rec))

	if last == EmptySlot {
		s.setSlot(bucket, uint64(pos))
	} else {
		var link [8]byte
		binary.LittleEndian.PutUint64(link[:], uint64(pos))
		if _, err := s.f.WriteAt(link[:], int64(last)+offNext); err != nil {
			return 0, fmt.Errorf("store: link: %w", err)
		}
	}

	if s.sync {
		if err := s.flush(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Get returns a copy of the value stored under id
func (s *Store) Get(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	off := s.slot(id % s.buckets)
	for hops := uint64(0); off != EmptySlot; hops++ {
		if hops > s.nextID() {
			return nil, fmt.Errorf("%w: cycle in bucket %d", ErrCorrupt, id%s.buckets)
		}
		rec, err := s.readRecord(off)
		if err != nil {
			return nil, err
		}
		if rec.id == id {
			val := make([]byte, rec.vlen)
			if _, err := s.f.ReadAt(val, int64(off)+RecordSize); err != nil {
				return nil, fmt.Errorf("store: read value %d: %w", id, err)
			}
			return val, nil
		}
		off = rec.next
	}
	return nil, ErrNotFound
}

type recordHeader struct {
	vlen uint32
	id   uint64
	next uint64
	self uint64
}

func (s *Store) readRecord(off uint64) (recordHeader, error) {
	var buf [RecordSize]byte
	if off < uint64(tableEnd(s.buckets)) || off+RecordSize > uint64(s.tail) {
		return recordHeader{}, fmt.Errorf("%w: record offset %d outside log", ErrCorrupt, off)
	}
	if _, err := s.f.ReadAt(buf[:], int64(off)); err != nil {
		return recordHeader{}, fmt.Errorf("store: read record at %d: %w", off, err)
	}

	rec := recordHeader{
		vlen: binary.LittleEndian.Uint32(buf[0:]),
		id:   binary.LittleEndian.Uint64(buf[4:]),
		next: binary.LittleEndian.Uint64(buf[offNext:]),
		self: binary.LittleEndian.Uint64(buf[20:]),
	}
	if rec.self != off || off+RecordSize+uint64(rec.vlen) > uint64(s.tail) {
		return recordHeader{}, fmt.Errorf("%w: bad record at %d", ErrCorrupt, off)
	}
	return rec, nil
}

// chainTail walks from head to the record whose next is empty
func (s *Store) chainTail(head uint64) (uint64, error) {
	off := head
	for hops := uint64(0); ; hops++ {
		if hops > s.nextID() {
			return 0, fmt.Errorf("%w: cycle in chain at %d", ErrCorrupt, head)
		}
		rec, err := s.readRecord(off)
		if err != nil {
			return 0, err
		}
		if rec.next == EmptySlot {
			return off, nil
		}
		off = rec.next
	}
}

func (s *Store) flush() error {
	if err := unix.Msync(s.mapped, unix.MS_SYNC); err != nil {
		return fmt.Errorf("store: msync: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("store: fsync: %w", err)
	}
	return nil
}

// Close unmaps the table and closes the file. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	err := unix.Munmap(s.mapped)
	s.mapped = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
