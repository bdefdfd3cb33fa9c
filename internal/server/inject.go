package server

import (
	"bytes"
	"net/http"
	"strings"
)

// maxInjectSize bounds how much of a response is buffered for injection.
// Larger pages are passed through untouched.
const maxInjectSize = 512 * 1024

var reloadTag = []byte(`<script src="` + routeScript + `"></script>`)

// injectReloadScript buffers HTML page responses and inserts the reload
// client before the closing body tag.
func injectReloadScript(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isPageRequest(r.URL.Path) || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		injector := &reloadInjector{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(injector, r)
		injector.finalize()
	})
}

// reloadInjector wraps an http.ResponseWriter and holds back HTML bodies
// until finalize.
type reloadInjector struct {
	http.ResponseWriter
	statusCode    int
	buffer        []byte
	buffering     bool
	headerWritten bool
	passthrough   bool
}

func (l *reloadInjector) WriteHeader(code int) {
	l.statusCode = code
	if l.passthrough {
		l.ResponseWriter.WriteHeader(code)
		l.headerWritten = true
	}
}

func (l *reloadInjector) Write(data []byte) (int, error) {
	if !l.headerWritten && !l.passthrough && !l.buffering {
		contentType := l.ResponseWriter.Header().Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "text/html") {
			l.startPassthrough()
			return l.ResponseWriter.Write(data)
		}
		l.buffering = true
	}

	if l.passthrough {
		return l.ResponseWriter.Write(data)
	}

	if len(l.buffer)+len(data) > maxInjectSize {
		l.startPassthrough()
		if len(l.buffer) > 0 {
			if _, err := l.ResponseWriter.Write(l.buffer); err != nil {
				return 0, err
			}
			l.buffer = nil
		}
		return l.ResponseWriter.Write(data)
	}

	l.buffer = append(l.buffer, data...)
	return len(data), nil
}

func (l *reloadInjector) startPassthrough() {
	l.passthrough = true
	l.buffering = false
	l.ResponseWriter.WriteHeader(l.statusCode)
	l.headerWritten = true
}

// finalize must be called after the handler completes.
func (l *reloadInjector) finalize() {
	if l.passthrough {
		return
	}
	if len(l.buffer) == 0 {
		if !l.headerWritten {
			l.ResponseWriter.WriteHeader(l.statusCode)
		}
		return
	}

	l.ResponseWriter.Header().Del("Content-Length")
	l.ResponseWriter.WriteHeader(l.statusCode)
	_, _ = l.ResponseWriter.Write(injectBeforeBody(l.buffer))
}

// injectBeforeBody inserts the reload tag before the last </body>, or
// appends it when the document has none.
func injectBeforeBody(doc []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(doc), []byte("</body>"))
	if idx < 0 {
		out := make([]byte, 0, len(doc)+len(reloadTag))
		out = append(out, doc...)
		return append(out, reloadTag...)
	}

	out := make([]byte, 0, len(doc)+len(reloadTag))
	out = append(out, doc[:idx]...)
	out = append(out, reloadTag...)
	return append(out, doc[idx:]...)
}
