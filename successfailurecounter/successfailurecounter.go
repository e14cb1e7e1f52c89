// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter tracks the outcome of one sampling cycle
// against a pair of atomic counters, making sure exactly one of them is
// incremented per cycle.
//
// A SuccessFailureCounter belongs to a single sampling cycle and must not
// be shared across goroutines.
package successfailurecounter // import "github.com/threadsnap/stacksampler/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter reports one cycle's outcome exactly once.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	sealed        bool
}

// New returns a counter pair wrapper for one sampling cycle.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// ReportSuccess increments the success counter, unless an outcome was
// already reported.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.sealed {
		log.Errorf("Attempted to report sample outcome more than once.")
		return
	}
	sfc.success.Add(1)
	sfc.sealed = true
}

// ReportFailure increments the failure counter, unless an outcome was
// already reported.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.sealed {
		log.Errorf("Attempted to report sample outcome more than once.")
		return
	}
	sfc.fail.Add(1)
	sfc.sealed = true
}

// DefaultToSuccess counts the cycle as a success if no outcome was
// reported along the way.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.success.Add(1)
	}
}

// DefaultToFailure counts the cycle as a failure if no outcome was
// reported along the way.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.fail.Add(1)
	}
}
