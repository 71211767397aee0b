package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/modelgate/modelgate/pkg/audio"
	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

// ClientConn is the client-facing WebSocket surface a session drives.
// *websocket.Conn satisfies it directly.
type ClientConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type mailKind int

const (
	mailClientFrame mailKind = iota
	mailClientGone
	mailUpstreamEvent
	mailUpstreamClosed
	mailExpire
)

// mail is one unit of work for the session loop. Client frames, upstream
// events, and control signals all arrive through the same mailbox so the
// loop is the only goroutine touching session state and the client socket.
type mail struct {
	kind    mailKind
	msgType websocket.MessageType
	data    []byte
	event   realtime.Event
}

// Session bridges one client WebSocket to at most one upstream realtime
// connection. The upstream is opened lazily on the first audio-bearing event
// and its provider is fixed for the session lifetime.
type Session struct {
	id   string
	hub  *Hub
	conn ClientConn
	log  *slog.Logger

	inbox  chan mail
	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is confined to the run loop.
	cfg              realtime.SessionConfig
	providerOverride string
	providerName     string
	token            string
	upstream         realtime.Session
	pending          []string
	bufferedAudioMs  float64
	sawDone          bool
	commitAt         time.Time
	closeCode        websocket.StatusCode
	closeReason      string

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos, read by the idle sweeper
}

// ID returns the session identifier sent in session.created.
func (s *Session) ID() string { return s.id }

// run is the session loop: the sole owner of session state and the sole
// writer on the client socket.
func (s *Session) run() {
	defer s.teardown()

	s.write(serverEvent{Type: serverSessionCreated, SessionID: s.id})
	go s.readLoop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.inbox:
			switch m.kind {
			case mailClientFrame:
				s.touch()
				if m.msgType != websocket.MessageText {
					s.write(errorEvent(codeBinaryUnsupported, "binary frames are not supported, send JSON", "", nil))
					continue
				}
				if !s.handleClient(m.data) {
					return
				}
			case mailClientGone:
				return
			case mailUpstreamEvent:
				s.touch()
				s.forward(m.event)
			case mailUpstreamClosed:
				if !s.sawDone {
					s.write(errorEvent(codeUpstreamClosed, "upstream connection closed", s.providerName, nil))
					s.closeCode = websocket.StatusInternalError
					s.closeReason = "upstream closed"
				}
				return
			case mailExpire:
				s.write(errorEvent(codeIdleTimeout, "session idle beyond limit", "", nil))
				s.closeCode = websocket.StatusGoingAway
				s.closeReason = "idle timeout"
				return
			}
		}
	}
}

// readLoop feeds client frames into the mailbox until the socket or the
// session dies.
func (s *Session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case s.inbox <- mail{kind: mailClientGone}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case s.inbox <- mail{kind: mailClientFrame, msgType: typ, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// pump feeds upstream events into the mailbox until the upstream channel
// closes.
func (s *Session) pump(up realtime.Session) {
	for ev := range up.Events() {
		select {
		case s.inbox <- mail{kind: mailUpstreamEvent, event: ev}:
		case <-s.ctx.Done():
			return
		}
	}
	select {
	case s.inbox <- mail{kind: mailUpstreamClosed}:
	case <-s.ctx.Done():
	}
}

// handleClient dispatches one decoded client frame. A false return ends the
// session.
func (s *Session) handleClient(data []byte) bool {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.write(errorEvent(codeInvalidJSON, "malformed client frame", "", nil))
		return true
	}
	switch ev.Type {
	case clientSessionUpdate:
		return s.handleUpdate(ev.configPatch, ev.Session)
	case clientAudioAppend:
		return s.handleAppend(ev.Audio)
	case clientAudioCommit:
		return s.handleCommit()
	case clientAudioClear:
		return s.handleClear()
	default:
		s.write(errorEvent(codeUnknownEvent, fmt.Sprintf("unrecognized event type %q", ev.Type), "", nil))
		return true
	}
}

// handleUpdate merges the config patch, forwards it upstream when connected,
// and acks with session.updated. A nested "session" object takes precedence
// over flattened patch fields when both are present.
func (s *Session) handleUpdate(patch configPatch, raw json.RawMessage) bool {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &patch); err != nil {
			s.write(errorEvent(codeInvalidJSON, "malformed session.update payload", "", nil))
			return true
		}
	}
	if override, ok := patch.apply(&s.cfg); ok {
		if s.upstream == nil {
			s.providerOverride = override
		} else if override != s.providerName {
			s.log.Debug("provider override ignored, session already connected",
				"session", s.id, "connected", s.providerName, "requested", override)
		}
	}
	if s.upstream != nil {
		if err := s.upstream.UpdateSession(s.cfg); err != nil {
			s.log.Warn("upstream session update failed", "session", s.id, "err", err)
		}
	}
	s.write(s.updatedAck())
	return true
}

func (s *Session) updatedAck() serverEvent {
	info := &sessionInfo{
		Model:    s.cfg.Model,
		Provider: s.effectiveProvider(),
		Language: s.cfg.Language,
		Prompt:   s.cfg.Prompt,
		Include:  s.cfg.Include,
	}
	vad := s.cfg.VAD.Normalized()
	info.VAD = &vad
	return serverEvent{Type: serverSessionUpdated, SessionID: s.id, Session: info}
}

// handleAppend validates one base64 PCM16 chunk, then lazily connects and
// forwards it. Validation failures keep the session open.
func (s *Session) handleAppend(b64 string) bool {
	pcm, err := audio.DecodeBase64(b64)
	if err != nil {
		s.write(errorEvent(codeInvalidAudioBase64, "audio is not valid base64", "", nil))
		return true
	}
	if err := audio.ValidateChunk(pcm, s.hub.cfg.MaxChunkBytes); err != nil {
		s.write(errorEvent(codeInvalidAudioChunk, err.Error(), "", nil))
		return true
	}

	s.bufferedAudioMs += audio.DurationMs(len(pcm))
	s.hub.recordAudio(s.ctx, s.effectiveProvider(), audio.Duration(len(pcm)))

	s.enqueuePending(b64)
	if !s.ensureUpstream() {
		return false
	}
	s.drainPending()
	return true
}

// handleCommit marks the end of the audio turn, connecting lazily if needed.
func (s *Session) handleCommit() bool {
	if !s.ensureUpstream() {
		return false
	}
	if s.upstream == nil {
		// Provider still unresolved; buffered audio stays queued.
		return true
	}
	s.drainPending()
	if err := s.upstream.CommitAudio(); err != nil {
		s.log.Warn("upstream commit failed", "session", s.id, "err", err)
		return true
	}
	s.commitAt = time.Now()
	s.bufferedAudioMs = 0
	return true
}

// handleClear discards buffered audio locally and, when connected, upstream.
// Clear never triggers a connect.
func (s *Session) handleClear() bool {
	s.pending = nil
	s.bufferedAudioMs = 0
	if s.upstream != nil {
		if err := s.upstream.ClearAudio(); err != nil {
			s.log.Warn("upstream clear failed", "session", s.id, "err", err)
		}
	}
	return true
}

// enqueuePending buffers one chunk for the upstream, evicting the oldest
// when the pre-open queue is full.
func (s *Session) enqueuePending(b64 string) {
	if limit := s.hub.cfg.QueueLimit; len(s.pending) >= limit {
		drop := len(s.pending) - limit + 1
		s.pending = append([]string(nil), s.pending[drop:]...)
		s.log.Warn("pre-open audio queue full, dropping oldest",
			"session", s.id, "dropped", drop, "limit", limit)
		s.hub.recordDropped(s.ctx, s.effectiveProvider(), int64(drop))
	}
	s.pending = append(s.pending, b64)
}

// ensureUpstream resolves the provider and opens the upstream connection on
// first use. An unresolvable provider keeps the session open so the client
// can fix its configuration; a failed connect is fatal.
func (s *Session) ensureUpstream() bool {
	if s.upstream != nil {
		return true
	}
	name, ok := s.hub.resolver.Resolve(s.providerOverride, s.cfg.Model)
	if !ok {
		s.write(errorEvent(codeProviderUnavailable,
			fmt.Sprintf("no realtime provider for model %q", s.cfg.Model), "", nil))
		return true
	}
	dial, ok := s.hub.dialFor(name)
	if !ok {
		s.write(errorEvent(codeProviderUnavailable, "provider not configured: "+name, name, nil))
		return true
	}

	up, err := dial(s.token).Connect(s.ctx, s.cfg)
	if err != nil {
		s.log.Error("upstream connect failed",
			"session", s.id, "provider", name, "model", s.cfg.Model, "err", err)
		s.write(errorEvent(codeConnectFailed, "could not establish upstream connection", name, nil))
		s.closeCode = websocket.StatusInternalError
		s.closeReason = "upstream connect failed"
		return false
	}

	s.providerName = name
	s.upstream = up
	go s.pump(up)
	s.log.Info("upstream connected", "session", s.id, "provider", name, "model", s.cfg.Model)
	return true
}

// drainPending flushes chunks buffered before the upstream opened, in order.
func (s *Session) drainPending() {
	if s.upstream == nil {
		return
	}
	for _, b64 := range s.pending {
		if err := s.upstream.AppendAudio(b64); err != nil {
			s.log.Warn("upstream append failed", "session", s.id, "err", err)
			break
		}
	}
	s.pending = nil
}

// forward relays one unified upstream event to the client, updating latency
// and token accounting on transcript events.
func (s *Session) forward(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventTranscriptDelta:
		if !s.commitAt.IsZero() {
			s.hub.recordLatency(s.ctx, s.providerName, time.Since(s.commitAt))
			s.commitAt = time.Time{}
		}
		s.hub.recordTokens(s.ctx, s.providerName, int64(s.hub.estimate(ev.Text)))
	case realtime.EventTranscriptDone:
		s.sawDone = true
		s.bufferedAudioMs = 0
	}
	s.write(fromUpstream(ev))
}

// write marshals and sends one frame on the client socket, bounded by the
// hub's write timeout. Failures are logged; a dead socket also fails the
// read loop, which ends the session.
func (s *Session) write(ev serverEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal server event", "session", s.id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil && s.ctx.Err() == nil {
		s.log.Warn("client write failed", "session", s.id, "err", err)
	}
}

// teardown destroys the upstream synchronously, closes the client socket,
// and unregisters the session.
func (s *Session) teardown() {
	s.cancel()
	if s.upstream != nil {
		s.upstream.Close()
	}
	s.conn.Close(s.closeCode, s.closeReason)
	s.hub.remove(s)
	s.log.Info("session closed",
		"session", s.id,
		"provider", s.providerName,
		"reason", s.closeReason,
		"lifetime", time.Since(s.createdAt).Round(time.Millisecond),
	)
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// expireIfIdle posts an idle-timeout to the session when it has been quiet
// past maxIdle. Called by the hub sweeper.
func (s *Session) expireIfIdle(now time.Time, maxIdle time.Duration) bool {
	last := time.Unix(0, s.lastActivity.Load())
	if now.Sub(last) <= maxIdle {
		return false
	}
	select {
	case s.inbox <- mail{kind: mailExpire}:
	default:
		s.cancel()
	}
	return true
}

// effectiveProvider names the connected provider, or the one the session
// would resolve to. Used for metric labels before the lazy connect.
func (s *Session) effectiveProvider() string {
	if s.providerName != "" {
		return s.providerName
	}
	if name, ok := s.hub.resolver.Resolve(s.providerOverride, s.cfg.Model); ok {
		return name
	}
	return "unresolved"
}
