// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// LayersProgressBar displays the progress of applying a plan over the layers of a model.
// Its Update method can be used as a tp.ProgressFn.
type LayersProgressBar struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
	done    int
}

// NewLayersProgressBar creates a progress bar for numLayers layers, writing to w. If w is os.Stdout the
// cursor is hidden while the bar is displayed.
func NewLayersProgressBar(w io.Writer, numLayers int) *LayersProgressBar {
	pBar := &LayersProgressBar{}
	if w == os.Stdout {
		pBar.termenv = termenv.NewOutput(os.Stdout)
		pBar.termenv.HideCursor()
	}
	pBar.bar = progressbar.NewOptions(numLayers,
		progressbar.OptionSetDescription("Layers"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("layers"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionClearOnFinish(),
	)
	return pBar
}

// Update the progress bar to layer (1-based) out of numLayers.
func (pBar *LayersProgressBar) Update(layer, numLayers int) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if numLayers != pBar.bar.GetMax() {
		pBar.bar.ChangeMax(numLayers)
	}
	if layer > pBar.done {
		_ = pBar.bar.Add(layer - pBar.done)
		pBar.done = layer
	}
}

// Done finishes the progress bar and restores the cursor.
func (pBar *LayersProgressBar) Done() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	_ = pBar.bar.Finish()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
}
