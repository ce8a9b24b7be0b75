package proxy

import (
	"net/http"

	"github.com/pysugar/anygate/internal/apierr"
)

// Proxy relays a non-chat request to the resolved provider with header fixup
// only: model listing, model metadata and any other /v1 path the gateway
// does not translate.
func (d *Dispatcher) Proxy(w http.ResponseWriter, r *http.Request) {
	format := DetectFormat(r)
	cred := CredentialFrom(r.Context())
	if cred == nil {
		apierr.Write(w, apierr.Unauthorized("missing API key"), format)
		return
	}
	tgt, apiErr := d.resolveTarget(cred)
	if apiErr != nil {
		apierr.Write(w, apiErr, format)
		return
	}

	resp, err := d.Client.Forward(r.Context(), tgt.provider, tgt.key, tgt.baseURL,
		r.Method, r.URL.Path, r.URL.RawQuery, r.Header, r.Body)
	if err != nil {
		apierr.Write(w, apierr.BadGateway(err.Error()), format)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}
