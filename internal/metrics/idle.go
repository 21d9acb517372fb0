package metrics

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/procfs"
)

const (
	statCacheKey = "stat"

	// DefaultStatCacheTTL lets the per-CPU samplers that fire in the same
	// millisecond share one parse of /proc/stat.
	DefaultStatCacheTTL = time.Millisecond
)

// IdleTimeReader reports cumulative idle time and cumulative wall time per CPU.
// Only deltas between two calls for the same CPU are meaningful.
type IdleTimeReader interface {
	IdleTime(cpu uint, ioIsBusy bool) (idle time.Duration, wall time.Duration, err error)
}

// ProcStatReader reads idle and busy counters from /proc/stat. Wall time is the
// sum of all accounted states of the CPU, so idle and wall share one time base.
type ProcStatReader struct {
	fs    procfs.FS
	cache *ttlcache.Cache[string, procfs.Stat]
	ttl   time.Duration
	log   logr.Logger
}

// NewProcStatReader opens procfs at mountPoint. A zero ttl disables snapshot
// sharing between CPUs.
func NewProcStatReader(mountPoint string, ttl time.Duration, log logr.Logger) (*ProcStatReader, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}

	reader := &ProcStatReader{
		fs:  fs,
		ttl: ttl,
		log: log,
	}
	if ttl > 0 {
		reader.cache = ttlcache.New[string, procfs.Stat](
			ttlcache.WithTTL[string, procfs.Stat](ttl),
			ttlcache.WithDisableTouchOnHit[string, procfs.Stat](),
		)
	}
	log.V(4).Info("New ProcStatReader created", "mountPoint", mountPoint, "ttl", ttl)

	return reader, nil
}

func (r *ProcStatReader) stat() (procfs.Stat, error) {
	if r.cache != nil {
		if item := r.cache.Get(statCacheKey); item != nil {
			return item.Value(), nil
		}
	}

	stat, err := r.fs.Stat()
	if err != nil {
		return procfs.Stat{}, fmt.Errorf("failed to read cpu statistics: %w", err)
	}
	if r.cache != nil {
		r.cache.Set(statCacheKey, stat, ttlcache.DefaultTTL)
	}

	return stat, nil
}

func (r *ProcStatReader) IdleTime(cpu uint, ioIsBusy bool) (time.Duration, time.Duration, error) {
	stat, err := r.stat()
	if err != nil {
		return 0, 0, err
	}

	cpuStat, ok := stat.CPU[int64(cpu)]
	if !ok {
		r.log.V(5).Info(fmt.Sprintf("err: %v", ErrMetricMissing), cpuLogKey, cpu)
		return 0, 0, fmt.Errorf("no cpu statistics for CPU %d: %w", cpu, ErrMetricMissing)
	}

	idle := cpuStat.Idle
	if !ioIsBusy {
		idle += cpuStat.Iowait
	}
	// guest time is already accounted in user and nice
	wall := cpuStat.User + cpuStat.Nice + cpuStat.System + cpuStat.Idle + cpuStat.Iowait +
		cpuStat.IRQ + cpuStat.SoftIRQ + cpuStat.Steal

	return secondsToDuration(idle), secondsToDuration(wall), nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
