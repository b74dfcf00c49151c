package reconcile

import (
	"math"

	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/log"
)

// Scale-up block reasons recorded on the cycle.
const (
	BlockedFailureRate = "failure_rate"
	BlockedMaxCap      = "max_cap"
)

// Inputs is the complete observed state one decision is made from. The
// reconciler never talks to the store or the provider; everything it
// needs arrives here.
type Inputs struct {
	NActive      int
	NSpawning    int
	NError       int
	NTerminating int

	Demand         int
	DegradedDemand bool
	Busy           int

	// IdleEligible counts active workers with no running task that have
	// been active longer than the grace period. Only these may be
	// terminated on scale-down.
	IdleEligible int

	FailureRate *float64
}

// Capacity is the worker count scaling decisions compare against:
// everything that is or is about to be able to take work.
func (in Inputs) Capacity() int {
	return in.NActive + in.NSpawning
}

// Decision is the reconciler's output for one cycle.
type Decision struct {
	// Desired is the target fleet size after clamping to the ceiling.
	Desired int
	// Delta is Desired minus capacity after all safety rules: positive
	// means spawn that many, negative means terminate that many, zero
	// means hold.
	Delta int
	// ScaleUpBlocked names the rule that suppressed a wanted scale-up,
	// or "" when nothing was suppressed.
	ScaleUpBlocked string
}

// Reconciler computes desired fleet size from demand and health. It is
// pure: same inputs, same decision.
type Reconciler struct {
	cfg *config.Config
}

// New builds a reconciler with the given sizing policy.
func New(cfg *config.Config) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// Decide computes the scaling decision for one cycle.
//
// Desired size is the maximum of three pressures, clamped to the fleet
// ceiling: the configured floor, demand divided by the per-GPU task
// threshold, and busy workers plus the idle buffer. The floor holds
// even at zero demand unless the zero floor is explicitly allowed.
func (r *Reconciler) Decide(in Inputs) Decision {
	var d Decision

	fromDemand := 0
	if in.Demand > 0 {
		fromDemand = int(math.Ceil(float64(in.Demand) / float64(r.cfg.TasksPerGPUThreshold)))
		if fromDemand < 1 {
			fromDemand = 1
		}
	}
	fromBusy := in.Busy + r.cfg.IdleBuffer

	floor := r.cfg.MinActiveGPUs
	if in.Demand == 0 && r.cfg.AllowZeroFloor {
		floor = 0
	}

	raw := max3(floor, fromDemand, fromBusy)
	d.Desired = raw
	if d.Desired > r.cfg.MaxActiveGPUs {
		d.Desired = r.cfg.MaxActiveGPUs
	}

	capacity := in.Capacity()
	d.Delta = d.Desired - capacity

	switch {
	case d.Delta > 0:
		if in.FailureRate != nil && *in.FailureRate > r.cfg.FailureRateCeiling {
			// The interlock suppresses provisioning only. Terminations
			// and recovery still run so the fleet can drain bad
			// instances.
			d.Delta = 0
			d.ScaleUpBlocked = BlockedFailureRate
		}
	case d.Delta < 0:
		down := -d.Delta
		if down > in.IdleEligible {
			down = in.IdleEligible
		}
		if in.Demand == 0 && down > 1 {
			// Drain one at a time at zero demand. Demand often returns
			// in bursts and respawning is the expensive direction.
			down = 1
		}
		d.Delta = -down
	default:
		if raw > r.cfg.MaxActiveGPUs && capacity >= r.cfg.MaxActiveGPUs {
			d.ScaleUpBlocked = BlockedMaxCap
		}
	}

	ev := log.WithComponent("reconcile").Debug().
		Int("demand", in.Demand).
		Int("busy", in.Busy).
		Int("capacity", capacity).
		Int("desired", d.Desired).
		Int("delta", d.Delta)
	if d.ScaleUpBlocked != "" {
		ev = ev.Str("scale_up_blocked", d.ScaleUpBlocked)
	}
	ev.Msg("scaling decision")

	return d
}

func max3(a, b, c int) int {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
