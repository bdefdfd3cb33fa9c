package server

import (
	"io"
	"net/http"
)

// reloadClient reconnects with backoff, reloads on "reload" events and
// logs build failures to the console.
const reloadClient = `(() => {
  if (window.__SITEPIPE_RELOAD__) return;
  window.__SITEPIPE_RELOAD__ = true;
  let delay = 500;
  let reconnecting = false;
  function connect() {
    const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    const ws = new WebSocket(proto + '//' + location.host + '` + routeWS + `');
    ws.onopen = () => {
      delay = 500;
      if (reconnecting) location.reload();
    };
    ws.onmessage = (e) => {
      try {
        const ev = JSON.parse(e.data);
        if (ev.type === 'reload') {
          console.log('[sitepipe] ' + (ev.task || 'build') + ' rebuilt, reloading');
          location.reload();
        } else if (ev.type === 'build_error') {
          console.error('[sitepipe] ' + (ev.task || 'build') + ' failed: ' + (ev.message || ''));
        }
      } catch (_) {}
    };
    ws.onclose = () => {
      reconnecting = true;
      setTimeout(connect, delay);
      delay = Math.min(delay * 2, 5000);
    };
  }
  connect();
})();
`

func (s *Server) handleReloadScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := io.WriteString(w, reloadClient); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to write reload script")
	}
}

// errorTitle names the failing task on the build error page.
func errorTitle(st BuildStatus) string {
	if st.Task == "" {
		return "build"
	}
	return st.Task
}
