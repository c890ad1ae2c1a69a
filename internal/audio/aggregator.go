package audio

import (
	"sync"
	"time"
)

const DefaultQuietPeriod = time.Second

// Clip is one flushed utterance: every fragment received between two quiet
// periods, concatenated in arrival order.
type Clip struct {
	Seq       int
	PCM       []byte
	WAV       []byte
	Duration  time.Duration
	Fragments int
	FlushedAt time.Time
}

// Aggregator buffers PCM fragments and flushes them once no fragment has
// arrived for the quiet period. The gap is a heuristic, not an end-of-speech
// marker: a fragment arriving after the window closes starts a new clip.
type Aggregator struct {
	format  Format
	output  Format
	quiet   time.Duration
	onFlush func(Clip)

	mu        sync.Mutex
	flushMu   sync.Mutex
	fragments [][]byte
	timer     *time.Timer
	gen       uint64
	seq       int
	stopped   bool
}

func NewAggregator(format Format, quiet time.Duration, onFlush func(Clip)) *Aggregator {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Aggregator{
		format:  format,
		output:  format,
		quiet:   quiet,
		onFlush: onFlush,
	}
}

// SetOutputRate makes flushed clips carry audio resampled to rate. It must be
// called before the first fragment arrives.
func (a *Aggregator) SetOutputRate(rate int) error {
	if rate <= 0 || rate == a.format.SampleRate {
		return nil
	}
	if !CanResample(a.format) {
		return ErrUnsupportedConversion
	}
	a.mu.Lock()
	a.output.SampleRate = rate
	a.mu.Unlock()
	return nil
}

// OnFragment appends a copy of b and restarts the quiet-period timer.
func (a *Aggregator) OnFragment(b []byte) {
	if len(b) == 0 {
		return
	}

	frag := make([]byte, len(b))
	copy(frag, b)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	a.fragments = append(a.fragments, frag)
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.quiet, func() { a.fire(gen) })
}

// Stop discards any buffered fragments and prevents further flushes.
// It returns the number of fragments dropped.
func (a *Aggregator) Stop() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	dropped := len(a.fragments)
	a.fragments = nil
	return dropped
}

func (a *Aggregator) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.gen || len(a.fragments) == 0 {
		a.mu.Unlock()
		return
	}

	size := 0
	for _, f := range a.fragments {
		size += len(f)
	}
	pcm := make([]byte, 0, size)
	for _, f := range a.fragments {
		pcm = append(pcm, f...)
	}

	if a.output != a.format {
		if converted, err := ResamplePCM16(pcm, a.format, a.output.SampleRate); err == nil {
			pcm = converted
		}
	}

	a.seq++
	clip := Clip{
		Seq:       a.seq,
		PCM:       pcm,
		WAV:       EncodeWAV(pcm, a.output),
		Duration:  a.output.Duration(len(pcm)),
		Fragments: len(a.fragments),
		FlushedAt: time.Now(),
	}
	a.fragments = nil
	a.timer = nil

	// flushMu is taken before mu is released so callbacks run in seq order.
	a.flushMu.Lock()
	a.mu.Unlock()
	defer a.flushMu.Unlock()

	if a.onFlush != nil {
		a.onFlush(clip)
	}
}
