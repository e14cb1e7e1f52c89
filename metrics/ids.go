// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

// MetricID identifies one sampling engine counter.
type MetricID uint32

const (
	// IDInvalid is the zero value and never reported.
	IDInvalid MetricID = iota

	// IDSamplesSuccess counts samples that produced a frame sequence.
	IDSamplesSuccess

	// IDSamplesFailure counts samples abandoned before producing frames.
	IDSamplesFailure

	// IDSuspendFailures counts samples skipped because the target thread
	// could not be suspended.
	IDSuspendFailures

	// IDBufferTooSmall counts samples skipped because the live stack did
	// not fit the stack buffer.
	IDBufferTooSmall

	// IDContextUnreadable counts samples skipped because the suspended
	// thread's registers could not be read.
	IDContextUnreadable

	// IDUnwindAborts counts walks stopped by an unwinder abort.
	IDUnwindAborts

	// IDUnwindIncomplete counts walks that ended without reaching the
	// root frame.
	IDUnwindIncomplete

	// IDMapsReparses counts memory map reparses triggered by the CFI
	// unwinder's retry path.
	IDMapsReparses

	// IDMax is always the last entry.
	IDMax
)

// MetricDefinition describes how one MetricID is exported.
type MetricDefinition struct {
	ID          MetricID
	Name        string
	Description string
	Unit        string
}

// GetDefinitions returns the export definitions of all live metric IDs.
func GetDefinitions() []MetricDefinition {
	return []MetricDefinition{
		{IDSamplesSuccess, "samples.success",
			"Samples that produced a frame sequence", "1"},
		{IDSamplesFailure, "samples.failure",
			"Samples abandoned before producing frames", "1"},
		{IDSuspendFailures, "samples.skipped.suspend",
			"Samples skipped due to failed thread suspension", "1"},
		{IDBufferTooSmall, "samples.skipped.buffer",
			"Samples skipped due to an undersized stack buffer", "1"},
		{IDContextUnreadable, "samples.skipped.context",
			"Samples skipped due to unreadable thread registers", "1"},
		{IDUnwindAborts, "unwind.aborts",
			"Stack walks stopped by an unwinder abort", "1"},
		{IDUnwindIncomplete, "unwind.incomplete",
			"Stack walks that ended before the root frame", "1"},
		{IDMapsReparses, "unwind.maps_reparses",
			"Memory map reparses triggered by the CFI retry path", "1"},
	}
}
