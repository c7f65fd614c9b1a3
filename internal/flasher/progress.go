package flasher

// ProgressCallbacks receives flashing progress. All calls happen
// synchronously on the operation goroutine.
type ProgressCallbacks interface {
	// Init is called once per segment with its flash address and the
	// total number of units that will be written.
	Init(addr uint32, total int)
	// Update is called after each written unit with the running count.
	Update(written int)
	// Verifying is called before the post-write MD5 check.
	Verifying()
	// Finish is called when the segment completes; skipped reports that
	// the segment already matched the flash contents.
	Finish(skipped bool)
}

// NopProgress discards all progress events.
type NopProgress struct{}

func (NopProgress) Init(uint32, int) {}
func (NopProgress) Update(int)       {}
func (NopProgress) Verifying()       {}
func (NopProgress) Finish(bool)      {}
