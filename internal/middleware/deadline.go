package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pupero/api-manager/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler completes,
// a 504 Gateway Timeout is returned. Pass 0 to disable (handler called
// directly). Per-route forwarding timeouts still apply underneath this.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{dst: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before deadline.
			case <-ctx.Done():
				tw.writeTimeout(r)
				// Wait for handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// deadlineWriter wraps ResponseWriter and serializes handler writes against
// the deadline's 504. The handler goroutine and the deadline goroutine run
// concurrently, so every access to the underlying writer holds the mutex:
// whichever side writes first claims the response, and the loser's bytes
// never reach the client.
type deadlineWriter struct {
	dst http.ResponseWriter

	mu       sync.Mutex
	started  bool // handler has begun the response
	timedOut bool // deadline wrote the 504
}

// writeTimeout sends the 504 body if the handler has not started writing.
// Once it fires, all later handler writes are discarded.
func (dw *deadlineWriter) writeTimeout(r *http.Request) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.started {
		return
	}
	dw.timedOut = true
	apierror.WriteJSON(dw.dst, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded,
		"global request deadline exceeded")
}

func (dw *deadlineWriter) Header() http.Header {
	return dw.dst.Header()
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	dw.started = true
	dw.dst.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return len(b), nil
	}
	dw.started = true
	return dw.dst.Write(b)
}

// Flush forwards streaming flushes through the deadline wrapper.
func (dw *deadlineWriter) Flush() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	if f, ok := dw.dst.(http.Flusher); ok {
		f.Flush()
	}
}
