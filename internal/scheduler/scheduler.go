// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs periodic maintenance tasks on a shared ticker.
package scheduler

import (
	"sync"
	"time"
)

type ScheduledTask struct {
	interval          int
	ticksSinceLastRun int
	running           bool
	task              func()
	runFailFunc       func()
}

// Scheduler runs each registered task every N ticks. A task that is still
// running when it comes due again is skipped and its fail func is called
type Scheduler struct {
	mutex              sync.Mutex
	interval           time.Duration
	ticker             *time.Ticker
	quit               chan struct{}
	updateIntervalChan chan time.Duration
	tasks              []*ScheduledTask
	startOnce          sync.Once
	stopOnce           sync.Once
	wg                 sync.WaitGroup
}

func NewScheduler(interval time.Duration) *Scheduler {
	return &Scheduler{
		interval:           interval,
		quit:               make(chan struct{}),
		updateIntervalChan: make(chan time.Duration),
		tasks:              []*ScheduledTask{},
	}
}

// Start the timer (run goroutine once)
func (st *Scheduler) Start() {
	st.startOnce.Do(func() {
		st.ticker = time.NewTicker(st.interval)
		st.wg.Add(1)
		go st.run()
	})
}

func (st *Scheduler) run() {
	defer st.wg.Done()
	for {
		select {
		case <-st.ticker.C:
			st.tick()
		case newInterval := <-st.updateIntervalChan:
			st.mutex.Lock()
			st.ticker.Reset(newInterval)
			st.interval = newInterval
			st.mutex.Unlock()
		case <-st.quit:
			st.ticker.Stop()
			return
		}
	}
}

// Increments per-task tick counters and executes tasks when due
func (st *Scheduler) tick() {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	for _, task := range st.tasks {
		task.ticksSinceLastRun++
		if task.ticksSinceLastRun < task.interval {
			continue
		}
		task.ticksSinceLastRun = 0
		if task.running {
			if task.runFailFunc != nil {
				task.runFailFunc()
			}
			continue
		}
		task.running = true
		st.wg.Add(1)
		go func(task *ScheduledTask) {
			defer st.wg.Done()
			defer func() {
				st.mutex.Lock()
				task.running = false
				st.mutex.Unlock()
			}()
			task.task()
		}(task)
	}
}

// Register adds a task run every interval ticks. runFailFunc may be nil
func (st *Scheduler) Register(interval int, task func(), runFailFunc func()) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.tasks = append(st.tasks, &ScheduledTask{
		interval:    max(1, interval),
		task:        task,
		runFailFunc: runFailFunc,
	})
}

// ChangeInterval updates the tick interval of the Scheduler at runtime.
func (st *Scheduler) ChangeInterval(newInterval time.Duration) {
	select {
	case st.updateIntervalChan <- newInterval:
	case <-st.quit:
	}
}

// Stop the timer and wait for running tasks to return
func (st *Scheduler) Stop() {
	st.stopOnce.Do(func() {
		close(st.quit)
	})
	st.wg.Wait()
}
