package progress

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

var (
	markupPush    = regexp.MustCompile(`^@progress\s+push\s+(\d+)%$`)
	markupPop     = regexp.MustCompile(`^@progress\s+pop$`)
	markupMessage = regexp.MustCompile(`^@progress\s+(?:'([^']*)'\s+)?(\d+)(?:%|/(\d+))$`)
)

// Writer is an io.Writer that splits tool output into lines, logs each line
// with a prefix and applies "@progress" markup to a Progress. Every write
// refreshes the last-activity timestamp so observers can detect stalls.
type Writer struct {
	logger   *slog.Logger
	prefix   string
	progress *Progress

	// buffer is any incomplete line fragment left over from a previous write
	buffer []byte
}

// NewWriter creates a Writer logging under prefix. progress may be nil.
func NewWriter(logger *slog.Logger, prefix string, progress *Progress) *Writer {
	return &Writer{logger: logger, prefix: prefix, progress: progress}
}

// Write implements io.Writer.Write
func (w *Writer) Write(p []byte) (int, error) {
	w.buffer = append(w.buffer, p...)
	if w.progress != nil {
		w.progress.Touch()
	}

	remaining := w.buffer
	processed := 0
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.line(string(bytes.TrimSuffix(remaining[:index], []byte{'\r'})))
		remaining = remaining[index+1:]
		processed += index + 1
	}

	if processed > 0 {
		leftover := copy(w.buffer, w.buffer[processed:])
		w.buffer = w.buffer[:leftover]
	}
	return len(p), nil
}

// Flush emits any trailing partial line
func (w *Writer) Flush() {
	if len(w.buffer) > 0 {
		w.line(string(bytes.TrimSuffix(w.buffer, []byte{'\r'})))
		w.buffer = w.buffer[:0]
	}
}

func (w *Writer) line(text string) {
	trimmed := strings.TrimSpace(text)
	if w.progress != nil && strings.HasPrefix(trimmed, "@progress") {
		if w.markup(trimmed) {
			return
		}
	}
	w.logger.Info(w.prefix + " " + text)
}

// markup applies a progress directive and reports whether it was recognised
func (w *Writer) markup(text string) bool {
	if m := markupPush.FindStringSubmatch(text); m != nil {
		pct, _ := strconv.Atoi(m[1])
		w.progress.Push(float32(pct) / 100)
		return true
	}
	if markupPop.MatchString(text) {
		w.progress.Pop()
		return true
	}
	if m := markupMessage.FindStringSubmatch(text); m != nil {
		num, _ := strconv.Atoi(m[2])
		fraction := float32(num) / 100
		if m[3] != "" {
			den, _ := strconv.Atoi(m[3])
			if den == 0 {
				return false
			}
			fraction = float32(num) / float32(den)
		}
		if m[1] != "" {
			w.progress.Set(m[1], fraction)
		} else {
			w.progress.SetFraction(fraction)
		}
		return true
	}
	return false
}
