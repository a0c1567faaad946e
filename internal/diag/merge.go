package diag

// ProcessStateDelta is a partial ProcessState update. Every field is
// optional; nil fields leave the prior value untouched.
type ProcessStateDelta struct {
	BrowserRestarts    *int
	MemoryAtStart      *MemorySnapshot
	MemoryAtEnd        *MemorySnapshot
	TaskNumber         *int
	QueuePosition      *int
	RecyclePending     *bool
	RecycleReason      *string
	RecycleTaskCount   *int
	RecycleMemoryMB    *float64
	LastCycleTaskCount *int
	CycleID            *string
}

// Apply layers the delta onto s field by field.
func (d ProcessStateDelta) Apply(s *ProcessState) {
	if d.BrowserRestarts != nil {
		s.BrowserRestarts = *d.BrowserRestarts
	}
	if d.MemoryAtStart != nil {
		snap := *d.MemoryAtStart
		s.MemoryAtStart = &snap
	}
	if d.MemoryAtEnd != nil {
		snap := *d.MemoryAtEnd
		s.MemoryAtEnd = &snap
	}
	if d.TaskNumber != nil {
		s.TaskNumber = *d.TaskNumber
	}
	if d.QueuePosition != nil {
		pos := *d.QueuePosition
		s.QueuePosition = &pos
	}
	if d.RecyclePending != nil {
		s.RecyclePending = *d.RecyclePending
	}
	if d.RecycleReason != nil {
		s.RecycleReason = *d.RecycleReason
	}
	if d.RecycleTaskCount != nil {
		s.RecycleTaskCount = *d.RecycleTaskCount
	}
	if d.RecycleMemoryMB != nil {
		s.RecycleMemoryMB = *d.RecycleMemoryMB
	}
	if d.LastCycleTaskCount != nil {
		s.LastCycleTaskCount = *d.LastCycleTaskCount
	}
	if d.CycleID != nil {
		s.CycleID = *d.CycleID
	}
}

// Merge layers src onto dst field by field. The extraction detail is
// excluded on purpose: it is owned by the attempt-tracking path.
func (d *StageDetail) Merge(src StageDetail) {
	if src.Navigation != nil {
		nav := *src.Navigation
		d.Navigation = &nav
	}
	if src.Metadata != nil {
		meta := *src.Metadata
		d.Metadata = &meta
	}
	if src.Save != nil {
		save := *src.Save
		d.Save = &save
	}
}

// IntPtr returns a pointer to v. Convenience for building deltas.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }
