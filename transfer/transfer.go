// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 themhat
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package transfer copies image content onto block devices with
// periodic progress reporting.
package transfer

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/themhat/meta-balena/logger"
	"github.com/themhat/meta-balena/progress"
	"github.com/themhat/meta-balena/quantity"
)

// TransferError means a copy onto the target device failed. The
// device is in an undefined state, provisioning cannot continue.
type TransferError struct {
	What string
	To   string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("cannot copy %s to %s: %v", e.What, e.To, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Engine copies byte ranges onto target devices one at a time,
// reporting cumulative progress against the total image size. Copies
// run in the background while the engine samples a written-byte
// counter on a fixed interval. A sample that observed no new bytes is
// skipped, and a copy finishing before its first sample reports
// nothing at all, which is fine for small partitions.
type Engine struct {
	total        quantity.Size
	blockSize    quantity.Size
	pollInterval time.Duration
	reporter     progress.Reporter

	flashed     uint64
	lastPercent int
}

// NewEngine returns an engine reporting progress against the given
// total byte count.
func NewEngine(total, blockSize quantity.Size, pollInterval time.Duration, reporter progress.Reporter) *Engine {
	if reporter == nil {
		reporter = progress.NullReporter
	}
	return &Engine{
		total:        total,
		blockSize:    blockSize,
		pollInterval: pollInterval,
		reporter:     reporter,
	}
}

// Flashed returns the cumulative number of bytes copied so far.
func (e *Engine) Flashed() quantity.Size {
	return quantity.Size(e.flashed)
}

// Copy copies source to dest until EOF, then syncs dest to stable
// storage before returning. The state text accompanies every progress
// sample emitted for this copy.
func (e *Engine) Copy(source, dest, state string) error {
	src, err := os.Open(source)
	if err != nil {
		return &TransferError{What: source, To: dest, Err: err}
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_WRONLY, 0)
	if err != nil {
		return &TransferError{What: source, To: dest, Err: err}
	}
	defer dst.Close()

	var written uint64
	t := &tomb.Tomb{}
	t.Go(func() error {
		buf := make([]byte, e.blockSize)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
				atomic.AddUint64(&written, uint64(n))
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		// barrier before the next partition is touched
		return unix.Fsync(int(dst.Fd()))
	})

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var sampled uint64
sampling:
	for {
		select {
		case <-t.Dead():
			break sampling
		case <-ticker.C:
			current := atomic.LoadUint64(&written)
			if current == sampled {
				// no new bytes since the last sample
				continue
			}
			sampled = current
			e.report(current, state)
		}
	}

	if err := t.Wait(); err != nil {
		return &TransferError{What: source, To: dest, Err: err}
	}

	e.flashed += atomic.LoadUint64(&written)
	logger.Debugf("copied %s to %s (%s total so far)", source, dest, e.Flashed().IECString())
	return nil
}

// report sends a clamped, monotonically non-decreasing percentage to
// the progress sink.
func (e *Engine) report(written uint64, state string) {
	if e.total == 0 {
		return
	}
	percent := int((e.flashed + written) * 100 / uint64(e.total))
	if percent > 100 {
		percent = 100
	}
	if percent < e.lastPercent {
		percent = e.lastPercent
	}
	e.lastPercent = percent
	e.reporter.Report(percent, state)
}
