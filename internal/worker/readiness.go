package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/process"
	"git.home.luguber.info/inful/previewd/internal/retry"
)

// waitReady polls the port until it accepts a connection. A server exit
// ends the wait immediately; running out of attempts kills the server.
func waitReady(ctx context.Context, srv process.Handle, port int, policy retry.Policy, dialTimeout time.Duration) (int, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: dialTimeout}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-srv.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	attempts, err := policy.Poll(probeCtx, func(ctx context.Context, _ int) (bool, error) {
		if srv.Exited() {
			return false, exitedError(srv)
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})

	switch {
	case err == nil:
		return attempts, nil
	case srv.Exited():
		return attempts, exitedError(srv)
	case stderrors.Is(err, retry.ErrExhausted):
		if kerr := srv.Kill(); kerr != nil {
			return attempts, fmt.Errorf("%w (kill failed: %v)", ErrNotReady.WithContext("port", port).WithContext("attempts", attempts), kerr)
		}
		return attempts, ErrNotReady.WithContext("port", port).WithContext("attempts", attempts)
	default:
		return attempts, err
	}
}

func exitedError(srv process.Handle) error {
	e := ErrServerExited
	if exitErr := srv.ExitErr(); exitErr != nil {
		e = e.WithCause(exitErr)
	}
	if p, ok := srv.(*process.Process); ok {
		e = e.WithContext("stderr", p.StderrTail())
	}
	return e
}

// smokeTest issues one GET against the preview and returns the status code.
func smokeTest(ctx context.Context, port int, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryNetwork, "smoke test request failed").Build()
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
