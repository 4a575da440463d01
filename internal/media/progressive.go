package media

import (
	"context"
	"sync"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// Load is a progressive image load. Run delivers stages in order; after an
// interruption, calling Run again resumes at the first stage not yet
// delivered.
type Load struct {
	p       *Pipeline
	src     Source
	quality models.ImageQuality
	stages  []Stage

	mu       sync.Mutex
	produced map[Stage]*Image
}

// Progressive plans a load of src ending at quality q. The stage list is
// fixed from the bandwidth class at the time of the call.
func (p *Pipeline) Progressive(src Source, q models.ImageQuality) *Load {
	return &Load{
		p:        p,
		src:      src,
		quality:  p.ResolveQuality(q),
		stages:   stagesFor(p.bandwidth()),
		produced: make(map[Stage]*Image),
	}
}

// Stages returns the planned stages.
func (l *Load) Stages() []Stage {
	return append([]Stage(nil), l.stages...)
}

// Run produces the remaining stages, calling fn with each one.
func (l *Load) Run(ctx context.Context, fn func(*Image)) error {
	for _, st := range l.stages {
		if l.has(st) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrCancelled, "progressive load interrupted", err)
		}
		img, err := l.p.stage(ctx, l.src, st, l.quality)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.produced[st] = img
		l.mu.Unlock()
		if fn != nil {
			fn(img)
		}
	}
	return nil
}

func (l *Load) has(st Stage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.produced[st]
	return ok
}

// Latest returns the most refined stage produced so far.
func (l *Load) Latest() *Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.stages) - 1; i >= 0; i-- {
		if img, ok := l.produced[l.stages[i]]; ok {
			return img
		}
	}
	return nil
}

// Done reports whether the full image has been delivered.
func (l *Load) Done() bool {
	return l.has(StageFull)
}
