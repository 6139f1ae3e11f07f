// Command test-server accepts presigned S3 PUTs locally so presigncheck can
// be exercised without a bucket:
//
//	go run ./scripts/test-server -addr :9000 -delay 200ms
//	presigncheck run --endpoint http://localhost:9000 --path-style --skip-identity-check ...
//
// Signatures are not verified. Expiry is enforced from X-Amz-Date and
// X-Amz-Expires the way S3 does, so expired-link handling can be observed.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const amzDateLayout = "20060102T150405Z"

type uploadHandler struct {
	delay  time.Duration
	now    func() time.Time
	logger *zap.Logger

	uploads  atomic.Int64
	rejected atomic.Int64
	bytes    atomic.Int64
}

func (h *uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.")
		return
	}

	q := r.URL.Query()
	if q.Get("X-Amz-Signature") == "" {
		h.rejected.Add(1)
		writeS3Error(w, http.StatusForbidden, "AccessDenied", "Query-string authentication requires the Signature parameter")
		return
	}

	issued, err := time.Parse(amzDateLayout, q.Get("X-Amz-Date"))
	if err != nil {
		h.rejected.Add(1)
		writeS3Error(w, http.StatusBadRequest, "AuthorizationQueryParametersError", "X-Amz-Date must be in the ISO8601 Long Format")
		return
	}
	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires <= 0 {
		h.rejected.Add(1)
		writeS3Error(w, http.StatusBadRequest, "AuthorizationQueryParametersError", "X-Amz-Expires must be a positive number")
		return
	}
	if !h.now().Before(issued.Add(time.Duration(expires) * time.Second)) {
		h.rejected.Add(1)
		writeS3Error(w, http.StatusForbidden, "AccessDenied", "Request has expired")
		return
	}

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		writeS3Error(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	total := h.uploads.Add(1)
	h.bytes.Add(n)
	h.logger.Debug("Accepted upload",
		zap.String("path", r.URL.Path),
		zap.Int64("bytes", n),
		zap.Int64("total", total),
	)

	w.Header().Set("ETag", fmt.Sprintf(`"%x"`, total))
	w.WriteHeader(http.StatusOK)
}

func writeS3Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", code, message)
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	delay := flag.Duration("delay", 0, "extra time to hold each upload before responding")
	flag.Parse()

	// Use all CPU cores
	runtime.GOMAXPROCS(runtime.NumCPU())

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	h := &uploadHandler{delay: *delay, now: time.Now, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "uploads=%d rejected=%d bytes=%d\n", h.uploads.Load(), h.rejected.Load(), h.bytes.Load())
	})
	mux.Handle("/", h)

	// Configure server for high throughput
	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	logger.Info("Starting presigned upload test server",
		zap.String("addr", *addr),
		zap.Duration("delay", *delay),
		zap.Int("cpus", runtime.NumCPU()),
	)
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}
