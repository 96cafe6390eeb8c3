package transfer

import (
	"sync"
	"time"
)

const sampleWindow = 5

// Snapshot is a consistent view of transfer progress with derived figures.
// ETA is negative while no speed sample exists.
type Snapshot struct {
	TransferredBytes int64
	TotalBytes       int64
	CompletedParts   int
	TotalParts       int
	Speed            float64
	AvgSpeed         float64
	ETA              time.Duration
	Percent          float64
	Elapsed          time.Duration
}

// ProgressState is the single accumulation point for concurrent part completions.
type ProgressState struct {
	mu               sync.Mutex
	transferredBytes int64
	completedParts   int
	totalParts       int
	totalBytes       int64
	samples          [sampleWindow]float64
	sampleCount      int
	sampleNext       int
	start            time.Time
	lastTick         time.Time
	lastTickBytes    int64
	interval         time.Duration
	now              func() time.Time
}

func NewProgressState(totalParts int, totalBytes int64) *ProgressState {
	return newProgressState(totalParts, totalBytes, time.Second, time.Now)
}

func newProgressState(totalParts int, totalBytes int64, interval time.Duration, now func() time.Time) *ProgressState {
	start := now()
	return &ProgressState{
		totalParts: totalParts,
		totalBytes: totalBytes,
		start:      start,
		lastTick:   start,
		interval:   interval,
		now:        now,
	}
}

// Complete records one finished part. When at least one interval passed since
// the previous tick, it samples speed and hands a snapshot to emit while
// still holding the lock, so renders never interleave.
func (p *ProgressState) Complete(size int64, emit func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferredBytes += size
	p.completedParts++
	now := p.now()
	if now.Sub(p.lastTick) < p.interval {
		return
	}
	speed := p.sample(now)
	if emit != nil {
		emit(p.snapshot(now, speed))
	}
}

// Finish forces a final sample and emits the closing snapshot.
func (p *ProgressState) Finish(emit func(Snapshot)) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	speed := 0.0
	if now.Sub(p.lastTick) > 0 {
		speed = p.sample(now)
	}
	snap := p.snapshot(now, speed)
	if emit != nil {
		emit(snap)
	}
	return snap
}

func (p *ProgressState) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(p.now(), 0)
}

func (p *ProgressState) sample(now time.Time) float64 {
	elapsed := now.Sub(p.lastTick).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(p.transferredBytes-p.lastTickBytes) / elapsed
	}
	p.samples[p.sampleNext] = speed
	p.sampleNext = (p.sampleNext + 1) % sampleWindow
	p.sampleCount = min(p.sampleCount+1, sampleWindow)
	p.lastTick = now
	p.lastTickBytes = p.transferredBytes
	return speed
}

func (p *ProgressState) avgSpeed() float64 {
	if p.sampleCount == 0 {
		return 0
	}
	total := 0.0
	for i := range p.sampleCount {
		total += p.samples[i]
	}
	return total / float64(p.sampleCount)
}

func (p *ProgressState) snapshot(now time.Time, speed float64) Snapshot {
	avg := p.avgSpeed()
	eta := time.Duration(-1)
	remaining := p.totalBytes - p.transferredBytes
	if remaining <= 0 {
		eta = 0
	} else if avg > 0 {
		eta = time.Duration(float64(remaining) / avg * float64(time.Second))
	}
	percent := 100.0
	if p.totalBytes > 0 {
		percent = float64(p.transferredBytes) / float64(p.totalBytes) * 100
	}
	return Snapshot{
		TransferredBytes: p.transferredBytes,
		TotalBytes:       p.totalBytes,
		CompletedParts:   p.completedParts,
		TotalParts:       p.totalParts,
		Speed:            speed,
		AvgSpeed:         avg,
		ETA:              eta,
		Percent:          percent,
		Elapsed:          now.Sub(p.start),
	}
}
