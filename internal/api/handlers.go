package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/auth"
	"github.com/rustdash/relay-plane/internal/hub"
	"github.com/rustdash/relay-plane/internal/link"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/store"
)

const (
	maxCommandBody      = 64 << 10
	defaultSessionLimit = 20
	maxSessionLimit     = 100
	linkCallTimeout     = 10 * time.Second
)

// callerFor returns the authenticated user, rejecting requests that address
// another user's resources.
func callerFor(w http.ResponseWriter, r *http.Request, target string) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, &apierr.Error{Kind: apierr.KindUnauthorized, Message: "missing user identity", Status: http.StatusUnauthorized})
		return "", false
	}
	if target != "" && target != userID {
		writeAPIError(w, r, apierr.New(apierr.KindUnauthorized, "token does not belong to this user"))
		return "", false
	}
	return userID, true
}

func (s *Server) ownedServer(ctx context.Context, userID, serverID string) (*model.Server, error) {
	srv, err := s.store.GetServer(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.KindUnauthorized, "server not owned by user")
		}
		s.log.Error().Err(err).Str("user_id", userID).Str("server_id", serverID).Msg("lookup server")
		return nil, apierr.New(apierr.KindInternal, "failed to query server")
	}
	return srv, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	serverID := r.URL.Query().Get("serverId")
	if serverID != "" {
		if _, err := s.ownedServer(r.Context(), userID, serverID); err != nil {
			writeAPIError(w, r, err)
			return
		}
	}

	st, err := s.hub.Subscribe(userID, serverID)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrAlreadyClosing):
			writeAPIError(w, r, apierr.New(apierr.KindAlreadyClosing, "previous stream is still closing"))
		case errors.Is(err, hub.ErrShutdown):
			writeAPIError(w, r, apierr.New(apierr.KindServiceUnavailable, "relay is shutting down"))
		default:
			writeAPIError(w, r, err)
		}
		return
	}

	sessionID, err := s.store.OpenRelaySession(r.Context(), store.OpenRelaySessionInput{
		UserID:   userID,
		ServerID: serverID,
		StreamID: st.ID(),
	})
	if err != nil {
		s.hub.Remove(st, model.CloseClientGone)
		s.log.Error().Err(err).Str("user_id", userID).Str("stream_id", st.ID()).Msg("open relay session")
		writeAPIError(w, r, apierr.New(apierr.KindInternal, "failed to open relay session"))
		return
	}
	s.monitor.TrackStream(userID, st.ID(), serverID)

	opened := time.Now()
	werr := hub.WriteSSE(r.Context(), w, st)
	s.hub.Remove(st, model.CloseClientGone)
	reason := st.CloseReason()

	switch reason {
	case model.CloseClientGone, model.CloseUnsubscribe:
		// A newer stream for the same user may already be tracked.
		s.monitor.ForgetStream(userID, st.ID())
		if _, ok := s.hub.Active(userID); !ok {
			s.commands.Forget(userID)
		}
	}
	if err := s.store.CloseRelaySession(context.WithoutCancel(r.Context()), sessionID, reason); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("close relay session")
	}

	ev := s.log.Info()
	if werr != nil && !errors.Is(werr, context.Canceled) {
		ev = s.log.Warn().Err(werr)
	}
	ev.Str("metric", "relay_stream_duration_ms").
		Str("user_id", userID).
		Str("stream_id", st.ID()).
		Str("reason", string(reason)).
		Int64("value", time.Since(opened).Milliseconds()).
		Msg("stream ended")
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	closed := s.hub.Unsubscribe(userID, model.CloseUnsubscribe)
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerFor(w, r, "")
	if !ok {
		return
	}

	var req model.CommandRequest
	if err := gojson.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		writeAPIError(w, r, apierr.New(apierr.KindBadRequest, "invalid JSON payload"))
		return
	}

	res, err := s.commands.Execute(r.Context(), callerID, req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleServerConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, "")
	if !ok {
		return
	}
	serverID := chi.URLParam(r, "serverId")
	srv, err := s.ownedServer(r.Context(), userID, serverID)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), linkCallTimeout)
	defer cancel()
	if err := s.link.Connect(ctx, userID, *srv); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Str("server_id", serverID).Msg("link connect failed")
		writeAPIError(w, r, linkError(err))
		return
	}

	streamBound := s.hub.Bind(userID, serverID)
	s.monitor.Track(userID, serverID)
	s.log.Info().Str("user_id", userID).Str("server_id", serverID).Bool("stream_bound", streamBound).Msg("server connected")
	writeJSON(w, http.StatusOK, map[string]any{"serverId": serverID, "bound": true, "streamBound": streamBound})
}

func (s *Server) handleServerDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, "")
	if !ok {
		return
	}
	serverID := chi.URLParam(r, "serverId")
	if _, err := s.ownedServer(r.Context(), userID, serverID); err != nil {
		writeAPIError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), linkCallTimeout)
	defer cancel()
	if err := s.link.Unbind(ctx, userID, serverID); err != nil && !errors.Is(err, link.ErrNotBound) {
		s.log.Warn().Err(err).Str("user_id", userID).Str("server_id", serverID).Msg("link unbind failed")
		writeAPIError(w, r, linkError(err))
		return
	}

	if st, ok := s.hub.Active(userID); ok && st.ServerID() == serverID {
		s.hub.Bind(userID, "")
		s.monitor.Bind(userID, "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverId": serverID, "bound": false})
}

func linkError(err error) error {
	switch {
	case errors.Is(err, link.ErrUnavailable), errors.Is(err, link.ErrNotBound):
		return apierr.New(apierr.KindServiceUnavailable, "upstream link unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.New(apierr.KindGatewayTimeout, "upstream link timed out")
	default:
		return apierr.New(apierr.KindUpstreamError, "upstream link failed")
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, "")
	if !ok {
		return
	}
	s.monitor.Touch(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, "")
	if !ok {
		return
	}
	resp := map[string]any{
		"streamActive":  false,
		"serverId":      "",
		"phase":         "",
		"upstreamBound": false,
	}
	if st, ok := s.hub.Active(userID); ok {
		serverID := st.ServerID()
		resp["streamActive"] = true
		resp["serverId"] = serverID
		resp["upstreamBound"] = serverID != "" && s.link.Bound(serverID)
	}
	if phase, ok := s.monitor.Phase(userID); ok {
		resp["phase"] = string(phase)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelaySessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerFor(w, r, "")
	if !ok {
		return
	}
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, r, apierr.New(apierr.KindBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := s.store.ListRelaySessions(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("list relay sessions")
		writeAPIError(w, r, apierr.New(apierr.KindInternal, "failed to query relay sessions"))
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, rs := range sessions {
		out = append(out, toRelaySessionResponse(rs))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func toRelaySessionResponse(rs model.RelaySession) map[string]any {
	resp := map[string]any{
		"sessionId": rs.ID,
		"streamId":  rs.StreamID,
		"openedAt":  rs.OpenedAt.UTC().Format(time.RFC3339),
	}
	if rs.ServerID != nil {
		resp["serverId"] = *rs.ServerID
	}
	if rs.ClosedAt != nil {
		resp["closedAt"] = rs.ClosedAt.UTC().Format(time.RFC3339)
	}
	if rs.CloseReason != nil {
		resp["closeReason"] = *rs.CloseReason
	}
	return resp
}
