// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import "expvar"

// contextMetrics record task and loop activity counters.
type contextMetrics struct {
	tasksSpawned    expvar.Int
	tasksActive     expvar.Int // gauge
	tasksFailed     expvar.Int // tasks reporting an error
	tasksStopped    expvar.Int // tasks abandoned by a stopped await
	loopIterations  expvar.Int
	messagesMatched expvar.Int // messages received by Match sources

	emap *expvar.Map
}

var ctxMetrics = newContextMetrics()

func newContextMetrics() *contextMetrics {
	cm := &contextMetrics{emap: new(expvar.Map)}
	cm.emap.Set("tasks_spawned", &cm.tasksSpawned)
	cm.emap.Set("tasks_active", &cm.tasksActive)
	cm.emap.Set("tasks_failed", &cm.tasksFailed)
	cm.emap.Set("tasks_stopped", &cm.tasksStopped)
	cm.emap.Set("loop_iterations", &cm.loopIterations)
	cm.emap.Set("messages_matched", &cm.messagesMatched)
	return cm
}
