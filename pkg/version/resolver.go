package version

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/eunmann/tracefetch/internal/logctx"
)

// ErrNoVersion is returned when no release exists at or above the start
// version. It indicates a broken feed and is not retryable.
var ErrNoVersion = errors.New("version: no versions found")

// Prober reports whether a release is published.
//
// A missing release must be reported as (false, nil). Any error means the
// probe itself failed and aborts discovery.
type Prober interface {
	Exists(ctx context.Context, v Version) (bool, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, v Version) (bool, error)

// Exists calls f(ctx, v).
func (f ProberFunc) Exists(ctx context.Context, v Version) (bool, error) {
	return f(ctx, v)
}

// Resolver finds the newest published release.
type Resolver struct {
	prober  Prober
	limiter *rate.Limiter
	probes  int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProbeRate caps probes to perSecond requests per second.
// Zero or negative values leave probing unthrottled.
func WithProbeRate(perSecond float64) Option {
	return func(r *Resolver) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewResolver creates a Resolver backed by p.
func NewResolver(p Prober, opts ...Option) *Resolver {
	r := &Resolver{prober: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Probes returns the number of probes issued by the last Latest call.
func (r *Resolver) Probes() int {
	return r.probes
}

// Latest returns the greatest published version reachable from start.
//
// Patch numbers are scanned upward until the first miss. A minor line that
// yielded at least one patch advances to the next minor; a major line that
// yielded at least one minor advances to the next major. The start minor and
// patch only seed the first line of each level; later lines begin at zero.
func (r *Resolver) Latest(ctx context.Context, start Version) (Version, error) {
	log := logctx.FromContext(ctx)
	r.probes = 0

	var (
		latest Version
		found  bool
	)

	for major, firstMajor := start.Major, true; ; major, firstMajor = major+1, false {
		minor := 0
		if firstMajor {
			minor = start.Minor
		}

		minorFound := false
		for firstMinor := true; ; minor, firstMinor = minor+1, false {
			patch := 0
			if firstMajor && firstMinor {
				patch = start.Patch
			}

			patchFound := false
			for ; ; patch++ {
				v := New(major, minor, patch)
				ok, err := r.probe(ctx, v)
				if err != nil {
					return Version{}, fmt.Errorf("probe %s: %w", v, err)
				}
				log.Debug().Str("version", v.String()).Bool("present", ok).Msg("probed version")
				if !ok {
					break
				}
				latest, found, patchFound = v, true, true
			}

			if !patchFound {
				break
			}
			minorFound = true
		}

		if !minorFound {
			break
		}
	}

	if !found {
		return Version{}, fmt.Errorf("%w starting from %s", ErrNoVersion, start)
	}

	log.Info().
		Str("version", latest.String()).
		Int("probes", r.probes).
		Msg("resolved latest version")
	return latest, nil
}

func (r *Resolver) probe(ctx context.Context, v Version) (bool, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	r.probes++
	return r.prober.Exists(ctx, v)
}
