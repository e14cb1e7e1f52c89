// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/metrics"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/successfailurecounter"
	"github.com/threadsnap/stacksampler/unwinder"
)

// ProfileBuilder receives each completed sample's frame sequence,
// innermost frame first, for aggregation and export. The slice is reused
// and only valid for the duration of the call.
type ProfileBuilder interface {
	OnSampleCompleted(frames []libsampler.Frame)
}

// Config carries the collaborators of one StackSampler.
type Config struct {
	// Delegate stops and reads the target thread.
	Delegate ThreadDelegate
	// ModuleCache resolves instruction addresses to modules.
	ModuleCache *modulecache.Cache
	// NativeUnwinder is the platform's default unwinding strategy and
	// the only one that may complete a walk.
	NativeUnwinder unwinder.Unwinder
	// Builder receives completed samples. Optional.
	Builder ProfileBuilder
}

// StackSampler drives the sample cycle for one target thread: copy the
// stack, then walk it by handing the register context from unwinder to
// unwinder until the root frame or a terminal failure.
//
// A sampler is single-threaded: one goroutine owns it and its buffer.
type StackSampler struct {
	id       uuid.UUID
	copier   *StackCopier
	delegate ThreadDelegate
	cache    *modulecache.Cache
	native   unwinder.Unwinder
	aux      []unwinder.Unwinder
	builder  ProfileBuilder

	successes atomic.Uint64
	failures  atomic.Uint64

	// frames is reused across samples to keep the steady state free of
	// per-sample slice growth.
	frames []libsampler.Frame
}

// initialFrameCapacity is the frame slice capacity preallocated per
// sampler. Deeper stacks grow it once and keep the larger backing.
const initialFrameCapacity = 128

// New returns a sampler for the configured target thread.
func New(cfg *Config) (*StackSampler, error) {
	if cfg.Delegate == nil {
		return nil, fmt.Errorf("nil thread delegate")
	}
	if cfg.ModuleCache == nil {
		return nil, fmt.Errorf("nil module cache")
	}
	if cfg.NativeUnwinder == nil {
		return nil, fmt.Errorf("nil native unwinder")
	}
	s := &StackSampler{
		id:       uuid.New(),
		copier:   NewStackCopier(cfg.Delegate),
		delegate: cfg.Delegate,
		cache:    cfg.ModuleCache,
		native:   cfg.NativeUnwinder,
		builder:  cfg.Builder,
		frames:   make([]libsampler.Frame, 0, initialFrameCapacity),
	}
	log.Debugf("Stack sampler %s created", s.id)
	return s, nil
}

// AddAuxUnwinder registers an auxiliary unwinder. Auxiliary unwinders are
// consulted before the native one, in registration order.
func (s *StackSampler) AddAuxUnwinder(u unwinder.Unwinder) {
	s.aux = append(s.aux, u)
}

// ID returns the sampler's instance identifier.
func (s *StackSampler) ID() uuid.UUID {
	return s.id
}

// Successes returns the number of samples that produced frames.
func (s *StackSampler) Successes() uint64 {
	return s.successes.Load()
}

// Failures returns the number of abandoned samples.
func (s *StackSampler) Failures() uint64 {
	return s.failures.Load()
}

// RecordStackFrames takes one sample: it snapshots the target thread's
// stack into buffer and walks it into a frame sequence. A partial
// sequence from a stopped walk is still a valid sample; only setup
// failures abandon the cycle entirely.
//
// The returned slice is owned by the sampler and valid until the next
// call.
func (s *StackSampler) RecordStackFrames(buffer *StackBuffer) ([]libsampler.Frame, error) {
	sfc := successfailurecounter.New(&s.successes, &s.failures)
	defer sfc.DefaultToFailure()

	var ctx registers.Context
	stackTop, err := s.copier.CopyStack(buffer, &ctx)
	if err != nil {
		metrics.AddSlice([]metrics.Metric{
			{ID: metrics.IDSamplesFailure, Value: 1},
			{ID: copyFailureMetric(err), Value: 1},
		})
		log.Debugf("Sampler %s: sample skipped: %v", s.id, err)
		return nil, err
	}

	s.frames = s.walkStack(&ctx, stackTop)
	sfc.ReportSuccess()
	metrics.Add(metrics.IDSamplesSuccess, 1)

	if s.builder != nil {
		s.builder.OnSampleCompleted(s.frames)
	}
	return s.frames, nil
}

// copyFailureMetric maps a CopyStack error to its skip counter.
func copyFailureMetric(err error) metrics.MetricID {
	switch {
	case errors.Is(err, ErrSuspendFailed):
		return metrics.IDSuspendFailures
	case errors.Is(err, ErrBufferTooSmall):
		return metrics.IDBufferTooSmall
	default:
		return metrics.IDContextUnreadable
	}
}

// walkStack seeds the frame sequence with the captured instruction
// pointer and lets the authoritative unwinder of each topmost frame
// extend it until the walk completes, aborts, or stops making progress.
func (s *StackSampler) walkStack(ctx *registers.Context,
	stackTop libsampler.Address) []libsampler.Frame {
	ip := ctx.InstructionPointer()
	frames := append(s.frames[:0], libsampler.Frame{
		IP:     ip,
		Module: s.cache.GetModuleForAddress(ip),
	})

	for {
		u := s.selectUnwinder(&frames[len(frames)-1])
		if u == nil {
			break
		}
		grewFrom := len(frames)
		result := u.TryUnwind(ctx, stackTop, s.cache, &frames)
		switch result {
		case unwinder.Completed:
			return frames
		case unwinder.Aborted:
			metrics.Add(metrics.IDUnwindAborts, 1)
			return frames
		}
		if len(frames) == grewFrom {
			// No unwinder can advance from here; keep the partial
			// trace.
			break
		}
	}
	metrics.Add(metrics.IDUnwindIncomplete, 1)
	return frames
}

// selectUnwinder picks the authoritative unwinder for the current topmost
// frame: the first claiming auxiliary, otherwise the native one.
func (s *StackSampler) selectUnwinder(frame *libsampler.Frame) unwinder.Unwinder {
	for _, aux := range s.aux {
		if aux.CanUnwindFrom(frame) {
			return aux
		}
	}
	if s.native.CanUnwindFrom(frame) {
		return s.native
	}
	return nil
}
