package vehicle

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// DriveTick is the animator update period.
const DriveTick = 50 * time.Millisecond

// driveCycle produces a plausible engine speed, road speed and oil
// temperature for virtual time t (seconds).
type driveCycle struct {
	t   float64
	rnd *rand.Rand
}

func newDriveCycle(seed int64) *driveCycle {
	return &driveCycle{rnd: rand.New(rand.NewSource(seed))}
}

func (d *driveCycle) step(dt float64) (rpm, speed, oil float64) {
	d.t += dt

	// Engine speed swings between idle and revving
	rpm = 850 + 4000*math.Sin(d.t*0.3)*math.Sin(d.t*0.3) + d.rnd.Float64()*50

	throttle := (rpm - 850) / (8000 - 850)
	if throttle < 0 {
		throttle = 0
	}
	if throttle > 1 {
		throttle = 1
	}
	speed = math.Round(throttle * 220)

	// Oil warms up towards 95 degC over the first few minutes
	oil = 95 - 75*math.Exp(-d.t/120) + d.rnd.Float64()*2
	return rpm, speed, oil
}

// Drive animates ENGINE_SPEED, VEHICLE_SPEED and OIL_TEMP until ctx is done.
func (s *Simulator) Drive(ctx context.Context) {
	cycle := newDriveCycle(time.Now().UnixNano())
	ticker := time.NewTicker(DriveTick)
	defer ticker.Stop()
	s.log.Info().Msg("drive cycle started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rpm, speed, oil := cycle.step(DriveTick.Seconds())
		s.mu.Lock()
		s.values[obd.NameEngineSpeed] = math.Round(rpm*4) / 4
		s.values[obd.NameVehicleSpeed] = speed
		s.values[obd.NameOilTemp] = math.Round(oil)
		s.mu.Unlock()
	}
}
