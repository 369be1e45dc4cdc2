// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import "time"

// SleepFor returns a sender that completes from the event loop of c once d
// has elapsed. Each start of the sender registers a new one-shot timer.
func SleepFor(c *Context, d time.Duration) Sender[Void] {
	return senderFunc[Void](func(r Receiver[Void]) {
		if _, err := c.loop.AfterFunc(d, func() { r.SetValue(Void{}) }); err != nil {
			r.SetError(err)
		}
	})
}
