package shell

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// streamEvent is either one line of process output or the process exit.
type streamEvent struct {
	line string
	exit bool
	code int
}

// procStream merges stdout and stderr of a running process into a single
// arrival-ordered event channel. It backs both the local and the SSH
// transport streams.
type procStream struct {
	events chan streamEvent
	stdin  io.WriteCloser
	kill   func()

	mu       sync.Mutex
	consumed bool
	exited   bool
	code     int

	closeOnce sync.Once
}

// newProcStream starts the reader goroutines for a spawned process.
// wait must block until the process terminates and return its exit code
// (SignalExitCode when none is available); it is invoked only after both
// output readers have drained.
func newProcStream(stdin io.WriteCloser, stdout, stderr io.Reader, wait func() int, kill func()) *procStream {
	s := &procStream{
		events: make(chan streamEvent, 64),
		stdin:  stdin,
		kill:   kill,
	}

	var readers sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		if r == nil {
			continue
		}
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			br := bufio.NewReader(r)
			for {
				line, err := br.ReadString('\n')
				if line != "" {
					s.events <- streamEvent{line: line}
				}
				if err != nil {
					return
				}
			}
		}(r)
	}

	go func() {
		readers.Wait()
		code := wait()
		s.mu.Lock()
		s.exited = true
		s.code = code
		s.mu.Unlock()
		s.events <- streamEvent{exit: true, code: code}
		close(s.events)
	}()

	return s
}

func (s *procStream) WaitForCompletion(ctx context.Context) (string, int, error) {
	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		return "", 0, ErrStreamCompleted
	}
	s.consumed = true
	s.mu.Unlock()

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return out.String(), 0, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.mu.Lock()
				code := s.code
				s.mu.Unlock()
				return out.String(), code, nil
			}
			if ev.exit {
				return out.String(), ev.code, nil
			}
			klog.V(5).Infof("stream: %s", strings.TrimRight(ev.line, "\n"))
			out.WriteString(ev.line)
		}
	}
}

func (s *procStream) WaitFor(ctx context.Context, re *regexp.Regexp) (string, int, bool, error) {
	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return out.String(), 0, false, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.mu.Lock()
				code := s.code
				s.mu.Unlock()
				return out.String(), code, true, nil
			}
			if ev.exit {
				return out.String(), ev.code, true, nil
			}
			klog.V(5).Infof("stream: %s", strings.TrimRight(ev.line, "\n"))
			out.WriteString(ev.line)
			if re.MatchString(ev.line) {
				return out.String(), 0, false, nil
			}
		}
	}
}

func (s *procStream) SendLine(data string) error {
	if s.stdin == nil {
		return nil
	}
	_, err := io.WriteString(s.stdin, data+"\n")
	return err
}

func (s *procStream) Close() error {
	s.closeOnce.Do(func() {
		if s.kill != nil {
			s.kill()
		}
		// Unblock the readers if nobody is consuming events anymore.
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}
