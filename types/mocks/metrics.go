package mocks

import (
	"context"
	"sync"
	"time"
)

// FakeMetrics keeps every value sent, by metric name, and counts Close calls
type FakeMetrics struct {
	mu       sync.Mutex
	Timers   map[string][]time.Duration
	Counters map[string]int64
	Gauges   map[string]float64
	Closed   int
}

func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{
		Timers:   map[string][]time.Duration{},
		Counters: map[string]int64{},
		Gauges:   map[string]float64{},
	}
}

func (f *FakeMetrics) Name(name string) string {
	return name
}

func (f *FakeMetrics) SendTimer(name string, value time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Timers[name] = append(f.Timers[name], value)
}

func (f *FakeMetrics) SendCounter(name string, value int64, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Counters[name] += value
}

func (f *FakeMetrics) SendGauge(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gauges[name] = value
}

func (f *FakeMetrics) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed++
	return nil
}
