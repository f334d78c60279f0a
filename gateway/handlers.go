package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/executor"
	"github.com/ggoodman/booking-gateway/internal/dispatch"
	"github.com/ggoodman/booking-gateway/internal/jsonrpc"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/sessions"
	"github.com/ggoodman/booking-gateway/streaming"
	"github.com/google/uuid"
)

const sessionIDParam = "sessionId"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a transport-level rejection. It is not a JSON-RPC
// envelope. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeRPC(w http.ResponseWriter, status int, resp *jsonrpc.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func sessionData(sessionID string, ident *auth.Identity) *logctx.SessionData {
	sd := &logctx.SessionData{SessionID: sessionID}
	if ident != nil {
		sd.UserID = ident.UserID()
		sd.Role = ident.Role()
	}
	return sd
}

// handleStream opens the SSE stream that backs a session.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		g.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	ident := g.checkAuthentication(ctx, r, w)
	if ident == nil {
		g.log.InfoContext(ctx, "auth.fail")
		return
	}
	g.log.InfoContext(ctx, "auth.ok")

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := sessions.ValidateID(sessionID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		g.log.InfoContext(ctx, "session.id.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sessionID, ident))

	err := g.streams.Serve(ctx, w, sessionID, ident.Clone(), g.basePath+"/messages")
	switch {
	case err == nil:
		g.log.InfoContext(ctx, "http.get.done", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, streaming.ErrShuttingDown):
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		g.log.InfoContext(ctx, "session.open.reject", slog.String("err", err.Error()))
	case errors.Is(err, sessions.ErrInvalidSessionID):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sessions.ErrSessionOwned):
		// A client may reconnect under its own session ID, but never take
		// over someone else's.
		writeJSONError(w, http.StatusConflict, "session id is in use")
		g.log.WarnContext(ctx, "session.hijack.reject")
	default:
		writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
		g.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
	}
}

// handlePostMessage accepts one JSON-RPC message. With a sessionId it is
// routed through that session; without one it runs statelessly and must
// carry credentials.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		g.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			g.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		g.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		ident := g.checkAuthentication(ctx, r, w)
		if ident == nil {
			g.log.InfoContext(ctx, "auth.fail")
			return
		}
		g.respond(w, r, g.disp.HandleStateless(ctx, ident, raw), start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	sess, ok := g.reg.Get(sessionID)
	if !ok {
		g.log.InfoContext(ctx, "session.load.miss")
		_ = writeRPC(w, http.StatusNotFound, jsonrpc.NewErrorResponse(salvageID(raw), jsonrpc.ErrorCodeInvalidRequest, sessions.ErrSessionNotFound.Error(), nil))
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sessionID, sess.Identity()))

	// The session was authenticated when its stream opened. Credentials on
	// the POST are optional but must belong to the same user.
	if _, present := bearerToken(r); present {
		ident := g.checkAuthentication(ctx, r, w)
		if ident == nil {
			g.log.InfoContext(ctx, "auth.fail")
			return
		}
		if !ident.SameUser(sess.Identity()) {
			writeJSONError(w, http.StatusForbidden, "credentials do not match session owner")
			g.log.WarnContext(ctx, "session.owner.mismatch")
			return
		}
	}

	g.reg.Touch(sessionID)
	g.respond(w, r.WithContext(ctx), g.disp.Handle(ctx, sess, raw), start)
}

// respond writes a dispatch result: 202 when nothing is returned in the
// body, 400 for a rejected envelope, 200 otherwise.
func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, res dispatch.Result, start time.Time) {
	ctx := r.Context()
	if res.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		g.log.InfoContext(ctx, "http.post.accepted", slog.Bool("deferred", res.Deferred), slog.Duration("dur", time.Since(start)))
		return
	}
	status := http.StatusOK
	if res.Response.Error != nil && res.Response.Error.Code == jsonrpc.ErrorCodeInvalidRequest {
		status = http.StatusBadRequest
	}
	if err := writeRPC(w, status, res.Response); err != nil {
		g.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	g.log.InfoContext(ctx, "http.post.ok", slog.Int("status", status), slog.Duration("dur", time.Since(start)))
}

// handleDeleteSession closes a session on its owner's request.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ident := g.checkAuthentication(ctx, r, w)
	if ident == nil {
		g.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId")
		g.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sessionID, ident))

	sess, ok := g.reg.Get(sessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, sessions.ErrSessionNotFound.Error())
		g.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	if !ident.SameUser(sess.Identity()) {
		writeJSONError(w, http.StatusForbidden, "credentials do not match session owner")
		g.log.WarnContext(ctx, "session.owner.mismatch")
		return
	}
	if !g.reg.Evict(sess, sessions.CloseDeleted) {
		writeJSONError(w, http.StatusNotFound, sessions.ErrSessionNotFound.Error())
		g.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	g.log.InfoContext(ctx, "session.delete.ok")
}

// handleListTools serves the tool catalogue.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := g.checkAuthentication(ctx, r, w)
	if ident == nil {
		g.log.InfoContext(ctx, "auth.fail")
		return
	}

	tools := g.disp.Methods()
	slices.SortFunc(tools, func(a, b executor.Descriptor) int { return strings.Compare(a.Name, b.Name) })
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(map[string]any{"tools": tools}); err != nil {
		g.log.ErrorContext(ctx, "tools.encode.fail", slog.String("err", err.Error()))
	}
}

// handleResourceMetadata serves the OAuth protected resource metadata
// document. Browsers fetch it cross-origin.
func (g *Gateway) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(g.prm); err != nil {
		g.log.ErrorContext(r.Context(), "wellknown.encode.fail", slog.String("err", err.Error()))
	}
}

func (g *Gateway) handleResourceMetadataOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// salvageID recovers the request id from a payload for error replies sent
// before the message is dispatched.
func salvageID(raw []byte) *jsonrpc.RequestID {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		var de *jsonrpc.DecodeError
		if errors.As(err, &de) {
			return de.ID
		}
		return nil
	}
	return msg.ID
}
