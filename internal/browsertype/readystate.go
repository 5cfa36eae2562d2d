// internal/browsertype/readystate.go
package browsertype

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hpcloud/tail"

	"github.com/xkilldash9x/driveline/internal/progress"
)

// errExitedBeforeReady is returned when the process dies while the endpoint
// is still unknown.
var errExitedBeforeReady = errors.New("browser process exited before it reported its endpoint")

// ReadyState learns the web socket endpoint of a freshly spawned browser.
type ReadyState interface {
	// OnOutput is fed every line the browser prints.
	OnOutput(line string)
	// WaitForEndpoint blocks until the endpoint is known, the process exits
	// or the scope aborts.
	WaitForEndpoint(p *progress.Progress, exited <-chan struct{}) (string, error)
}

// lineReadyState matches a regular expression against the process output.
// The first capture group is the endpoint.
type lineReadyState struct {
	re     *regexp.Regexp
	suffix string

	once  sync.Once
	found chan string
}

func newLineReadyState(pattern, suffix string) *lineReadyState {
	return &lineReadyState{
		re:     regexp.MustCompile(pattern),
		suffix: suffix,
		found:  make(chan string, 1),
	}
}

func (r *lineReadyState) OnOutput(line string) {
	if m := r.re.FindStringSubmatch(line); m != nil {
		r.resolve(strings.TrimSpace(m[1]) + r.suffix)
	}
}

func (r *lineReadyState) resolve(endpoint string) {
	r.once.Do(func() { r.found <- endpoint })
}

func (r *lineReadyState) WaitForEndpoint(p *progress.Progress, exited <-chan struct{}) (string, error) {
	return progress.Race(p, func() (string, error) {
		select {
		case endpoint := <-r.found:
			return endpoint, nil
		case <-exited:
			// The process may print the endpoint and die right after.
			select {
			case endpoint := <-r.found:
				return endpoint, nil
			default:
				return "", errExitedBeforeReady
			}
		}
	})
}

// devToolsReadyState also follows the DevToolsActivePort file Chromium
// writes into its profile: the port on the first line, the browser target
// path on the second. Whichever source answers first wins.
type devToolsReadyState struct {
	*lineReadyState
	portFile string
}

func (r *devToolsReadyState) WaitForEndpoint(p *progress.Progress, exited <-chan struct{}) (string, error) {
	t, err := tail.TailFile(r.portFile, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		// The output line is still a valid source.
		return r.lineReadyState.WaitForEndpoint(p, exited)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.follow(t, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		t.Stop()
		t.Cleanup()
	}()
	return r.lineReadyState.WaitForEndpoint(p, exited)
}

func (r *devToolsReadyState) follow(t *tail.Tail, stop <-chan struct{}) {
	var port string
	for {
		select {
		case <-stop:
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			if port == "" {
				port = text
				continue
			}
			r.resolve(fmt.Sprintf("ws://127.0.0.1:%s%s", port, text))
			return
		}
	}
}
