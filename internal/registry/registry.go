// Package registry holds the background-worker versions one connection has
// registered. It is a small in-memory map, not a dynamic-dispatch framework —
// the dispatch loop is the only reader and it runs on a single cooperative
// task, so no lock is needed, unlike a cache with concurrent HTTP readers.
package registry

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/model"
)

// Loader fetches a worker and its tasks scoped to one environment. This is
// the Store-backed lookup `register` performs; kept as its own small
// interface so the registry package doesn't need the full Store contract.
type Loader interface {
	LoadWorkerVersion(environmentID, friendlyWorkerID string) (*model.BackgroundWorkerVersion, bool, error)
}

type Registry struct {
	environmentID string
	loader          Loader
	versions        map[string]*model.BackgroundWorkerVersion // workerID -> version
	onFirstRegister func()
	onRegister      func(size int)
}

func New(environmentID string, loader Loader) *Registry {
	return &Registry{
		environmentID: environmentID,
		loader:        loader,
		versions:      make(map[string]*model.BackgroundWorkerVersion),
	}
}

// OnFirstRegister installs a callback invoked the first time Register
// successfully adds a version to an until-then-empty registry — the dispatch
// loop uses this to enable itself, per spec §4.F's lifecycle rule.
func (r *Registry) OnFirstRegister(fn func()) {
	r.onFirstRegister = fn
}

// OnRegister installs a callback invoked after every successful Register,
// with the registry's new size — the Connection Supervisor uses this to
// feed the dispatch_registry_size gauge.
func (r *Registry) OnRegister(fn func(size int)) {
	r.onRegister = fn
}

// Register fetches the worker and its tasks scoped by environment; if not
// found, it is a no-op. On success the version is stored by WorkerID, and if
// the registry was previously empty, onFirstRegister fires.
func (r *Registry) Register(friendlyWorkerID string) error {
	version, found, err := r.loader.LoadWorkerVersion(r.environmentID, friendlyWorkerID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	wasEmpty := len(r.versions) == 0
	r.versions[version.WorkerID] = version
	logging.Debug(context.Background(), "worker version registered",
		zap.String("component", consts.CompSvcRegistry),
		zap.String("environmentId", r.environmentID),
		zap.String("workerId", version.WorkerID),
		zap.String("version", version.Version),
	)
	if wasEmpty && r.onFirstRegister != nil {
		r.onFirstRegister()
	}
	if r.onRegister != nil {
		r.onRegister(len(r.versions))
	}
	return nil
}

// Lookup is a direct map read by internal worker id.
func (r *Registry) Lookup(workerID string) (*model.BackgroundWorkerVersion, bool) {
	v, ok := r.versions[workerID]
	return v, ok
}

// Latest returns the registered version with the lexicographically (in the
// numeric-per-segment sense) greatest Version string. The second return
// value is false if the registry is empty.
func (r *Registry) Latest() (*model.BackgroundWorkerVersion, bool) {
	var best *model.BackgroundWorkerVersion
	for _, v := range r.versions {
		if best == nil || CompareVersions(v.Version, best.Version) > 0 {
			best = v
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func (r *Registry) Size() int { return len(r.versions) }

// CompareVersions compares two "YYYYMMDD.N" version strings by treating the
// date and sequence segments as numbers, not as raw strings. spec.md §9
// flags the naive string-compare the original takes as a latent bug: under
// raw comparison "20240101.10" < "20240101.2" because '1' < '2' lexically,
// even though 10 > 2. This numeric-per-segment comparison is the corrected
// behavior.
func CompareVersions(a, b string) int {
	ad, an := splitVersion(a)
	bd, bn := splitVersion(b)
	if ad != bd {
		if ad < bd {
			return -1
		}
		return 1
	}
	if an == bn {
		return 0
	}
	if an < bn {
		return -1
	}
	return 1
}

func splitVersion(v string) (date int64, seq int64) {
	parts := strings.SplitN(v, ".", 2)
	date, _ = strconv.ParseInt(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return date, seq
}
