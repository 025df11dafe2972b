package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// LineSpinner animates a single status line outside of a bubbletea program,
// e.g. while dialing the relay.
type LineSpinner struct {
	w        io.Writer
	spinner  spinner.Spinner
	message  string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionSpinner creates a spinner for network operations (Globe style)
func NewConnectionSpinner(w io.Writer, message string) *LineSpinner {
	return &LineSpinner{
		w:       w,
		spinner: spinner.Globe,
		message: message,
		done:    make(chan struct{}),
	}
}

func (s *LineSpinner) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.spinner.FPS)
		defer ticker.Stop()

		frames := s.spinner.Frames
		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", SpinnerStyle.Render(frames[i%len(frames)]), s.message)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the animation and clears the line. Safe to call more than once.
func (s *LineSpinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		fmt.Fprint(s.w, "\r\033[K")
	})
}

func (s *LineSpinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.w, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *LineSpinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.w, "%s %s\n", ErrorStyle.Render(IconError), message)
}
