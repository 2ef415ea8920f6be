package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.oauth.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleOAuthStart redirects the browser into the provider's consent
// screen. The state row created here is consumed by the callback.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	authorizeURL, err := s.oauth.StartURL(r.Context(), q.Get("provider"), q.Get("redirect_to"))
	if err != nil {
		badRequest(w, "unknown_provider", err.Error())
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (s *Server) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	s.finishCallback(w, r, "copilot", s.oauth.HandleGitHubCallback)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	s.finishCallback(w, r, "antigravity", s.oauth.HandleGoogleCallback)
}

// finishCallback completes one authorization-code handshake and sends
// the browser back into the dashboard. Failures land on the dashboard
// too, carried as query parameters, since this endpoint faces a
// browser rather than an API client.
func (s *Server) finishCallback(w http.ResponseWriter, r *http.Request, provider string,
	exchange func(ctx context.Context, code, state string) (string, error)) {
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		s.logger.Warn("oauth callback denied", "provider", provider, "error", denied)
		http.Redirect(w, r, "/?oauth_error="+url.QueryEscape(denied), http.StatusFound)
		return
	}

	redirectTo, err := exchange(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.logger.Warn("oauth callback failed", "provider", provider, "error", err)
		http.Redirect(w, r, "/?oauth_error="+url.QueryEscape(err.Error()), http.StatusFound)
		return
	}
	if redirectTo == "" {
		redirectTo = "/"
	}
	sep := "?"
	if strings.Contains(redirectTo, "?") {
		sep = "&"
	}
	http.Redirect(w, r, redirectTo+sep+"connected="+url.QueryEscape(provider), http.StatusFound)
}

func (s *Server) handleOAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if err := s.oauth.Disconnect(r.Context(), body.Provider); err != nil {
		badRequest(w, "disconnect_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// handleDeviceStart begins the GitHub device flow, the default path for
// local setups without a client secret.
func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	auth, err := s.oauth.DeviceStart(r.Context())
	if err != nil {
		badRequest(w, "device_start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceCode string `json:"device_code"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if body.DeviceCode == "" {
		badRequest(w, "device_code_required", "device_code must not be empty")
		return
	}
	result, err := s.oauth.DevicePoll(r.Context(), body.DeviceCode)
	if err != nil {
		badRequest(w, "device_poll_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
