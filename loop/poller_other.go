// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !linux

package loop

import "errors"

// poller is not implemented on this platform.
type poller struct{}

func newPoller() (*poller, error) { return nil, errors.ErrUnsupported }

func (*poller) add(*Watch) error { return errors.ErrUnsupported }
func (*poller) modify(*Watch, bool) error { return errors.ErrUnsupported }
func (*poller) remove(*Watch) error { return errors.ErrUnsupported }
func (*poller) wait(int) ([]readyWatch, error) { return nil, errors.ErrUnsupported }
func (*poller) wake() {}
func (*poller) close() error { return errors.ErrUnsupported }
