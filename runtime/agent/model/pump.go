package model

import (
	"context"
	"io"
	"sync"
)

type (
	// Emit hands a chunk to the consumer of a Pump. It blocks until the
	// chunk is buffered or the pump is cancelled.
	Emit func(Chunk) error

	// DecodeFunc reads provider events until the upstream stream ends and
	// forwards the normalized chunks through emit. A nil return means the
	// stream completed normally.
	DecodeFunc func(ctx context.Context, emit Emit) error

	// Pump is the Streamer shared by the provider adapters. It runs a
	// DecodeFunc in its own goroutine and hands its chunks to Recv. The
	// latest usage chunk is exposed under the "usage" metadata key.
	Pump struct {
		ctx    context.Context
		cancel context.CancelFunc
		chunks chan Chunk

		release     func() error
		releaseOnce sync.Once
		releaseErr  error

		mu      sync.Mutex
		settled bool
		err     error
		usage   *TokenUsage
	}
)

// pumpBuffer bounds how far the decoder may run ahead of the consumer.
const pumpBuffer = 32

var _ Streamer = (*Pump)(nil)

// NewPump starts decode and returns the Streamer reading from it. release
// closes the upstream provider stream; it runs exactly once, either when
// decode returns or when the caller closes the pump.
func NewPump(ctx context.Context, release func() error, decode DecodeFunc) *Pump {
	cctx, cancel := context.WithCancel(ctx)
	p := &Pump{
		ctx:     cctx,
		cancel:  cancel,
		chunks:  make(chan Chunk, pumpBuffer),
		release: release,
	}
	go p.run(decode)
	return p
}

// Recv returns the next chunk, io.EOF once the decoder finished cleanly, or
// the error that stopped it.
func (p *Pump) Recv() (Chunk, error) {
	select {
	case c, ok := <-p.chunks:
		if ok {
			return c, nil
		}
		if err := p.result(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-p.ctx.Done():
		err := p.ctx.Err()
		p.settle(err)
		return Chunk{}, err
	}
}

// Close cancels the decoder and releases the upstream stream.
func (p *Pump) Close() error {
	p.cancel()
	return p.closeUpstream()
}

// Metadata reports the last usage observed on the stream.
func (p *Pump) Metadata() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usage == nil {
		return nil
	}
	return map[string]any{"usage": *p.usage}
}

func (p *Pump) run(decode DecodeFunc) {
	defer close(p.chunks)
	defer func() { _ = p.closeUpstream() }()
	err := decode(p.ctx, p.emit)
	if err == nil {
		err = p.ctx.Err()
	}
	p.settle(err)
}

func (p *Pump) emit(c Chunk) error {
	if c.Type == ChunkTypeUsage && c.UsageDelta != nil {
		u := *c.UsageDelta
		p.mu.Lock()
		p.usage = &u
		p.mu.Unlock()
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.chunks <- c:
		return nil
	}
}

func (p *Pump) closeUpstream() error {
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.releaseErr = p.release()
		}
	})
	return p.releaseErr
}

// settle records the terminal error. Only the first call wins.
func (p *Pump) settle(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.err = err
}

func (p *Pump) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
