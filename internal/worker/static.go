package worker

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// staticRoots are tried in order when the project root has no index.html.
var staticRoots = []string{"dist", "build", "public"}

// staticServer serves a directory over HTTP in-process and satisfies process.Handle.
type staticServer struct {
	srv  *http.Server
	root string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// staticRoot picks the directory to serve under dir.
func staticRoot(dir string) string {
	if hasIndex(dir) {
		return dir
	}
	for _, name := range staticRoots {
		candidate := filepath.Join(dir, name)
		if hasIndex(candidate) {
			return candidate
		}
	}
	return dir
}

func hasIndex(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "index.html"))
	return err == nil && info.Mode().IsRegular()
}

func startStaticServer(dir string, port int) (*staticServer, error) {
	root := staticRoot(dir)
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryProcess, "failed to start static server").
			WithContext("port", port).
			WithContext("stderr", err.Error()).
			Build()
	}

	s := &staticServer{
		srv: &http.Server{
			Handler:           http.FileServer(http.Dir(root)),
			ReadHeaderTimeout: 10 * time.Second,
		},
		root: root,
		done: make(chan struct{}),
	}
	go func() {
		err := s.srv.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return s, nil
}

// PID is 0; the server runs inside previewd.
func (s *staticServer) PID() int { return 0 }

func (s *staticServer) Done() <-chan struct{} { return s.done }

func (s *staticServer) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *staticServer) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop shuts the server down gracefully, closing it outright after grace.
func (s *staticServer) Stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
	}
	<-s.done
	return nil
}

func (s *staticServer) Kill() error {
	err := s.srv.Close()
	<-s.done
	return err
}
