// Package source decouples a bursty hardware-driven block producer
// from a pull-based sample consumer through a bounded ring of raw
// blocks. The acquisition goroutine owns the device read loop and only
// ever copies into the ring; conversion to complex samples happens on
// the consumer's side, outside the ring lock.
package source

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rfkit/plutostream/internal/convert"
	"github.com/rfkit/plutostream/internal/logging"
	"github.com/rfkit/plutostream/internal/ring"
)

// Defaults inherited from the osmocom Pluto source block.
const (
	DefaultBufLen  = 512 * 16 * 100 // bytes per block, must be a multiple of 512
	DefaultBuffers = 15             // ring slot count
	DefaultSkip    = 1              // initial blocks discarded while DC offset and AGC settle
	DefaultPrefill = 3              // blocks buffered before the first read proceeds
)

// Driver is the hardware call surface the source consumes. ReadAsync
// must block for the duration of the stream, invoking the callback
// once per delivered block, until CancelAsync is called (nil return)
// or the device reports an error.
type Driver interface {
	SetSampleRateHz(hz uint32) error
	SetBandwidthHz(hz uint32) error
	SetLOFrequencyHz(hz uint64) error
	SetGainMode(auto bool) error
	SetGainDB(gain float64) error
	Antenna() string
	EnableStreaming(on bool) error
	ReadAsync(fn func(block []byte), blockCount, blockLen int) error
	CancelAsync() error
	Close() error
}

// Config carries stream geometry and initial device settings.
type Config struct {
	// Buffers is the ring slot count. Zero selects the default of 15.
	Buffers int
	// BufLen is the byte size of one block. It must be a multiple of
	// 512; other values are replaced by the default with a warning.
	BufLen int
	// Skip is the number of initial blocks to discard. Zero selects
	// the default of 1; a negative value disables the skip window.
	Skip int
	// Prefill is the number of buffered blocks required before the
	// first read proceeds. Zero selects the default of 3.
	Prefill int

	SampleRateHz  uint32
	BandwidthHz   uint32
	LOFrequencyHz uint64
	GainDB        float64
	AutoGain      bool
}

// Stats is a snapshot of stream counters.
type Stats struct {
	Blocks    uint64 // blocks accepted into the ring
	Overflows uint64 // blocks dropped by the overflow policy
	Samples   uint64 // complex samples handed to the consumer
	Buffered  int    // blocks currently waiting in the ring
}

// Source streams complex baseband samples from a Driver.
type Source struct {
	drv Driver
	buf *ring.Buffer
	log logging.Logger
	cfg Config

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	skipRemaining int // acquisition goroutine only

	blocks  atomic.Uint64
	samples atomic.Uint64

	// Consumer cursor, tracking partial consumption of the block at
	// head across Read calls. Consumer goroutine only.
	cur    []byte
	offset int // samples already emitted from cur
	avail  int // samples remaining in cur
	primed bool
}

// Open validates cfg, programs the device's initial settings, and
// allocates the block ring. On any driver failure the error is
// returned and no partially constructed Source escapes.
func Open(drv Driver, cfg Config, log logging.Logger) (*Source, error) {
	if drv == nil {
		return nil, errors.New("source: nil driver")
	}
	if log == nil {
		log = logging.Default()
	}

	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.BufLen <= 0 || cfg.BufLen%512 != 0 {
		if cfg.BufLen != 0 {
			log.Warn("block length is not a multiple of 512, using default",
				logging.Field{Key: "buflen", Value: cfg.BufLen},
				logging.Field{Key: "default", Value: DefaultBufLen})
		}
		cfg.BufLen = DefaultBufLen
	}
	switch {
	case cfg.Skip == 0:
		cfg.Skip = DefaultSkip
	case cfg.Skip < 0:
		cfg.Skip = 0
	}
	if cfg.Prefill <= 0 {
		cfg.Prefill = DefaultPrefill
	}
	if cfg.Prefill > cfg.Buffers {
		cfg.Prefill = cfg.Buffers
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 5_000_000
	}
	if cfg.BandwidthHz == 0 {
		cfg.BandwidthHz = cfg.SampleRateHz
	}

	if err := drv.SetBandwidthHz(cfg.BandwidthHz); err != nil {
		return nil, fmt.Errorf("set bandwidth: %w", err)
	}
	if err := drv.SetSampleRateHz(cfg.SampleRateHz); err != nil {
		return nil, fmt.Errorf("set sample rate: %w", err)
	}
	if err := drv.SetGainMode(cfg.AutoGain); err != nil {
		return nil, fmt.Errorf("set gain mode: %w", err)
	}
	if !cfg.AutoGain {
		if err := drv.SetGainDB(cfg.GainDB); err != nil {
			return nil, fmt.Errorf("set gain: %w", err)
		}
	}
	if cfg.LOFrequencyHz != 0 {
		if err := drv.SetLOFrequencyHz(cfg.LOFrequencyHz); err != nil {
			return nil, fmt.Errorf("set LO frequency: %w", err)
		}
	}
	if err := drv.EnableStreaming(true); err != nil {
		return nil, fmt.Errorf("enable streaming: %w", err)
	}

	return &Source{
		drv:           drv,
		buf:           ring.New(cfg.Buffers, cfg.BufLen),
		log:           log,
		cfg:           cfg,
		skipRemaining: cfg.Skip,
	}, nil
}

// Start spawns the acquisition goroutine.
func (s *Source) Start() error {
	if s.running.Swap(true) {
		return errors.New("source: already started")
	}
	s.wg.Add(1)
	go s.acquire()
	return nil
}

func (s *Source) acquire() {
	defer s.wg.Done()
	err := s.drv.ReadAsync(s.onBlock, s.cfg.Buffers, s.cfg.BufLen)
	s.running.Store(false)
	if err != nil {
		s.log.Error("async read terminated", logging.Field{Key: "err", Value: err})
	}
	// Wake the consumer so it can drain to end of stream.
	s.buf.Close()
}

// onBlock runs on the driver's delivery path and must return quickly:
// it only applies the skip window and copies into the ring.
func (s *Source) onBlock(block []byte) {
	if s.skipRemaining > 0 {
		s.skipRemaining--
		return
	}
	s.blocks.Add(1)
	if !s.buf.Push(block) {
		s.log.Warn("ring overflow, block dropped",
			logging.Field{Key: "overflows", Value: s.buf.Overflows()})
	}
}

// Stop cancels the device read and joins the acquisition goroutine.
// Idempotent, and safe to call after the loop exited on its own.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if err := s.drv.CancelAsync(); err != nil {
			s.log.Warn("cancel async read", logging.Field{Key: "err", Value: err})
		}
		s.wg.Wait()
		s.buf.Close()
	})
}

// Close stops acquisition and releases the device.
func (s *Source) Close() error {
	s.Stop()
	return s.drv.Close()
}

// Running reports whether the acquisition loop is still alive.
func (s *Source) Running() bool { return s.running.Load() }

// Read fills out with converted samples and returns the count
// produced, which may be less than len(out) when the ring temporarily
// runs dry. The first call blocks until the prefill threshold is met;
// later calls with an empty ring block only until one block arrives,
// and a call never blocks once it has produced at least one sample.
// io.EOF is returned once acquisition has stopped and the ring is
// drained.
func (s *Source) Read(out []complex64) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(out) {
		if s.avail == 0 {
			view, ok := s.nextBlock(n > 0)
			if !ok {
				if n > 0 {
					break
				}
				return 0, io.EOF
			}
			s.cur = view
			s.offset = 0
			s.avail = len(view) / convert.BytesPerSample
		}
		want := len(out) - n
		if want > s.avail {
			want = s.avail
		}
		got := convert.Int16ToComplex64(out[n:n+want], s.cur[s.offset*convert.BytesPerSample:])
		n += got
		s.offset += got
		s.avail -= got
		if s.avail == 0 {
			s.buf.Advance()
			s.cur = nil
		}
	}
	s.samples.Add(uint64(n))
	return n, nil
}

func (s *Source) nextBlock(partial bool) ([]byte, bool) {
	if partial {
		return s.buf.TryPopView()
	}
	minFill := 1
	if !s.primed {
		minFill = s.cfg.Prefill
	}
	view, ok := s.buf.PopView(minFill)
	if ok {
		s.primed = true
	}
	return view, ok
}

// Stats returns a snapshot of the stream counters.
func (s *Source) Stats() Stats {
	return Stats{
		Blocks:    s.blocks.Load(),
		Overflows: s.buf.Overflows(),
		Samples:   s.samples.Load(),
		Buffered:  s.buf.Used(),
	}
}

// SampleRateHz returns the configured baseband rate.
func (s *Source) SampleRateHz() uint32 { return s.cfg.SampleRateHz }

// Device control facade. These forward to the driver; the streaming
// path is unaffected.

func (s *Source) SetSampleRate(hz uint32) error { return s.drv.SetSampleRateHz(hz) }
func (s *Source) SetBandwidth(hz uint32) error  { return s.drv.SetBandwidthHz(hz) }
func (s *Source) SetCenterFreq(hz uint64) error { return s.drv.SetLOFrequencyHz(hz) }
func (s *Source) SetGainMode(auto bool) error   { return s.drv.SetGainMode(auto) }
func (s *Source) SetGain(gain float64) error    { return s.drv.SetGainDB(gain) }
func (s *Source) Antenna() string               { return s.drv.Antenna() }
