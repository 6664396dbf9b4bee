package manager

import (
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

// MetricsCollector periodically publishes cluster metadata and raft gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectNodeMetrics()
	c.collectPipeMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes, err := c.manager.ListNodes()
	if err != nil {
		return
	}

	metrics.NodesTotal.Reset()
	for _, node := range nodes {
		metrics.NodesTotal.WithLabelValues(string(node.Role), string(node.Status)).Inc()
	}
}

func (c *MetricsCollector) collectPipeMetrics() {
	pipes, err := c.manager.ListPipes()
	if err != nil {
		return
	}

	metrics.PipesTotal.Reset()
	for _, pipe := range pipes {
		metrics.PipesTotal.WithLabelValues(string(pipe.Status)).Inc()
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
		metrics.UpdateComponent("raft", true, "leader")
	} else {
		metrics.RaftLeader.Set(0)
		if c.manager.LeaderAddr() == "" {
			metrics.UpdateComponent("raft", false, "no leader")
		} else {
			metrics.UpdateComponent("raft", true, "follower")
		}
	}

	stats := c.manager.GetRaftStats()
	if stats != nil {
		if lastIndex, ok := stats["last_log_index"].(uint64); ok {
			metrics.RaftLogIndex.Set(float64(lastIndex))
		}
		if appliedIndex, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(appliedIndex))
		}
		if peers, ok := stats["peers"].(uint64); ok {
			metrics.RaftPeers.Set(float64(peers))
		}
	}
}
