package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
)

// barProgress renders flashing progress with a terminal progress bar.
type barProgress struct {
	bar *progressbar.ProgressBar
}

func newBarProgress() *barProgress {
	return &barProgress{}
}

func (p *barProgress) Init(addr uint32, total int) {
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("0x%08X", addr)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *barProgress) Update(written int) {
	if p.bar != nil {
		p.bar.Set(written)
	}
}

func (p *barProgress) Verifying() {
	if p.bar != nil {
		p.bar.Finish()
	}
	fmt.Println("Verifying...")
}

func (p *barProgress) Finish(skipped bool) {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
	if skipped {
		fmt.Println("Unchanged, skipped")
	}
}
