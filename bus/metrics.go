// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	messagesRecv    expvar.Int
	messagesSent    expvar.Int
	messagesDropped expvar.Int // delivered without any matching slot
	messagesMatched expvar.Int // slot callbacks invoked
	slotsActive     expvar.Int

	emap *expvar.Map
}

var busMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.messagesRecv)
	cm.emap.Set("messages_sent", &cm.messagesSent)
	cm.emap.Set("messages_dropped", &cm.messagesDropped)
	cm.emap.Set("messages_matched", &cm.messagesMatched)
	cm.emap.Set("slots_active", &cm.slotsActive)
	return cm
}
