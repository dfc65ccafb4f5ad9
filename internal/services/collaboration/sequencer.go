package collaboration

import (
	"context"
	"fmt"
	"log"
	"sync"
)

/*
PER-GRAPH SEQUENCER

Every mutation of a graph's version log and path index runs on one goroutine
per graph. Callers hand it a job and wait for the job to finish, so jobs for
one graph run strictly in arrival order while different graphs run in parallel.

  session goroutine ──job──▶ requests chan ──▶ sequencer goroutine
          ▲                                         │
          └────────────── finished ◀────────────────┘

The requests channel is unbuffered: once a send succeeds the job will run.
A stopped sequencer refuses new jobs with errSequencerStopped and the
resolver retries against a fresh one.
*/

type sequencerJob struct {
	ctx      context.Context
	fn       func(st *graphState) error
	err      error
	finished chan struct{}
}

type sequencer struct {
	graphID  string
	state    *graphState
	requests chan *sequencerJob
	done     chan struct{}
	stopOnce sync.Once
}

func newSequencer(state *graphState) *sequencer {
	return &sequencer{
		graphID:  state.graphID,
		state:    state,
		requests: make(chan *sequencerJob),
		done:     make(chan struct{}),
	}
}

// run processes jobs until stopped
func (s *sequencer) run() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.requests:
			job.err = s.execute(job)
			close(job.finished)

			// A job may have stopped us; never accept another one after that.
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *sequencer) execute(job *sequencerJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Graph %s sequencer job panicked: %v", s.graphID, r)
			err = &SequencerError{GraphID: s.graphID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	// The history belongs to every later caller, so a departing first caller
	// must not abort the load.
	if !s.state.loaded {
		if err := s.state.load(context.WithoutCancel(job.ctx)); err != nil {
			return &SequencerError{GraphID: s.graphID, Err: err}
		}
	}
	return job.fn(s.state)
}

// do runs fn on the sequencer goroutine and waits for it
func (s *sequencer) do(ctx context.Context, fn func(st *graphState) error) error {
	job := &sequencerJob{ctx: ctx, fn: fn, finished: make(chan struct{})}

	select {
	case s.requests <- job:
	case <-s.done:
		return errSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-job.finished
	return job.err
}

func (s *sequencer) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
