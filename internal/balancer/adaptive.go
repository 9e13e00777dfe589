package balancer

import (
	"math"
	"sync"
	"time"

	"github.com/mcpmesh/balancer/internal/registry"
	"github.com/mcpmesh/balancer/pkg/logger"
)

// AdaptiveController periodically retunes instance weights from observed
// latency. Instances answering faster than their group's mean gain weight,
// slower ones lose it, nudged by 10% per cycle so a single noisy sample
// cannot whipsaw the routing.
type AdaptiveController struct {
	registry *registry.InstanceRegistry
	settings Settings
	logger   *logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewAdaptiveController creates a controller bound to a registry.
func NewAdaptiveController(reg *registry.InstanceRegistry, settings Settings, log *logger.Logger) *AdaptiveController {
	return &AdaptiveController{
		registry: reg,
		settings: settings,
		logger:   log.AdaptiveLogger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the adjustment loop.
func (c *AdaptiveController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.loop()

	c.logger.WithField("interval", c.settings.AdaptiveInterval.String()).
		Info("Started adaptive weight controller")
}

// Stop terminates the loop and waits for it to exit.
func (c *AdaptiveController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopChan)
	c.wg.Wait()
}

func (c *AdaptiveController) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.settings.AdaptiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runOnce()
		case <-c.stopChan:
			return
		}
	}
}

// runOnce adjusts one full pass over all service groups. A panic in one pass
// is logged and the loop resumes on the next tick.
func (c *AdaptiveController) runOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.WithField("panic", rec).Error("Adaptive weight pass panicked")
		}
	}()

	for _, service := range c.registry.Services() {
		c.adjustGroup(service)
	}
}

// AdjustNow runs a single adjustment pass synchronously. Used by tests and
// the admin API's manual trigger.
func (c *AdaptiveController) AdjustNow() {
	c.runOnce()
}

// adjustGroup retunes one service group. Groups need at least two instances
// and one measured latency before any adjustment happens.
func (c *AdaptiveController) adjustGroup(service string) {
	members := c.registry.GroupMembers(service)
	if len(members) < 2 {
		return
	}

	var measuredSum float64
	var measuredCount int
	for _, instance := range members {
		if avg := instance.AverageResponseTime(); avg > 0 {
			measuredSum += avg
			measuredCount++
		}
	}
	if measuredCount == 0 {
		return
	}
	mean := measuredSum / float64(measuredCount)

	updates := make(map[string]int)
	for _, instance := range members {
		own := instance.AverageResponseTime()
		if own <= 0 {
			continue
		}

		oldWeight := instance.Weight()
		factor := mean / own
		candidate := int(math.Round(float64(oldWeight)*factor*0.1 + float64(oldWeight)*0.9))

		if candidate < c.settings.MinWeight {
			candidate = c.settings.MinWeight
		}
		if candidate > c.settings.MaxWeight {
			candidate = c.settings.MaxWeight
		}

		// Hysteresis: ignore adjustments within the noise band.
		if abs(candidate-oldWeight) <= c.settings.Hysteresis {
			continue
		}

		updates[instance.ID()] = candidate
		c.logger.WithFields(map[string]interface{}{
			"service":     service,
			"instance_id": instance.ID(),
			"old_weight":  oldWeight,
			"new_weight":  candidate,
			"avg_ms":      own,
			"group_mean":  mean,
		}).Info("Retuning instance weight")
	}

	if len(updates) > 0 {
		c.registry.ApplyWeights(updates)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
