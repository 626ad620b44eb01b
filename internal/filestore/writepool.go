package filestore

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/slchris/flowgraph/internal/jobstore"
)

// defaultWriteWorkers mirrors the two-worker default write-back pool.
const defaultWriteWorkers = 2

// chunkSize is the size of the copy buffer used to stream one pending write
// into the job store; each write is streamed to completion by one worker.
const chunkSize = 1 << 20

// pendingWrite pairs an open read handle with the file ID its content
// belongs to. Queueing one of these is how writeGlobalFile hands a file
// off to the async pool instead of copying synchronously.
type pendingWrite struct {
	src    io.ReadCloser
	fileID string
}

// writePool drains a queue of pendingWrite items into the job store, bounded
// to at most writeWorkers concurrent streams via a weighted semaphore — the
// same primitive the teacher's dependency set already uses for bounding
// concurrent network sends.
type writePool struct {
	store   jobstore.Store
	ctx     *Context
	sem     *semaphore.Weighted
	workers int

	queue chan *pendingWrite
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func newWritePool(store jobstore.Store, ctx *Context, workers int) *writePool {
	if workers <= 0 {
		workers = defaultWriteWorkers
	}
	p := &writePool{
		store:   store,
		ctx:     ctx,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		queue:   make(chan *pendingWrite, workers*4),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// enqueue hands src off to the pool for asynchronous streaming into fileID.
// The caller must not use src again; the pool closes it once drained.
func (p *writePool) enqueue(fileID string, src io.ReadCloser) {
	p.ctx.addPending(fileID)
	p.queue <- &pendingWrite{src: src, fileID: fileID}
}

func (p *writePool) loop() {
	defer p.wg.Done()
	for item := range p.queue {
		if item == nil {
			// Poison pill: normal shutdown signal, one per worker.
			return
		}
		p.writeOne(item)
	}
}

func (p *writePool) writeOne(item *pendingWrite) {
	defer item.src.Close()
	defer p.ctx.removePending(item.fileID)

	if terminated, _ := p.ctx.terminateState(); terminated {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.ctx.setTerminate(errors.Wrap(err, "write pool: acquire slot"))
		return
	}
	defer p.sem.Release(1)

	w, err := p.store.UpdateFileStream(item.fileID)
	if err != nil {
		p.ctx.setTerminate(errors.Wrapf(err, "write pool: open %s", item.fileID))
		return
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, item.src, buf); err != nil {
		_ = w.Close()
		p.ctx.setTerminate(errors.Wrapf(err, "write pool: stream %s", item.fileID))
		return
	}
	if err := w.Close(); err != nil {
		p.ctx.setTerminate(errors.Wrapf(err, "write pool: finalize %s", item.fileID))
	}
}

// shutdown enqueues one poison pill per worker and waits for every writer
// to drain its queue, the pool's half of the commit protocol's first step.
func (p *writePool) shutdown() {
	p.closeOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.queue <- nil
		}
	})
	p.wg.Wait()
}
