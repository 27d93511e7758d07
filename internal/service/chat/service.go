package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/koder/backend/internal/model/chat"
	"github.com/zhouzirui/koder/backend/internal/model/provider"
	"github.com/zhouzirui/koder/backend/internal/service/session"
)

// ValidationError reports a request rejected before any session or process
// work happened.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Executor runs one assistant invocation as a subprocess.
type Executor interface {
	Execute(ctx context.Context, name string, args []string, dir string) (string, error)
	Stream(ctx context.Context, name string, args []string, dir string, onChunk func(string)) (string, error)
}

// Options tunes request handling.
type Options struct {
	DefaultProvider string
	// AllowedPaths restricts working directories when non-empty.
	AllowedPaths []string
	// RejectUnknownSessions fails turns whose session id is not live with
	// session.ErrSessionNotFound. Otherwise the id is echoed back and the turn
	// runs without the session flag.
	RejectUnknownSessions bool
	// SerializeTurns runs at most one turn per session id at a time.
	SerializeTurns bool
	Logger         *zap.Logger
}

// StreamHooks receive progress of a streamed turn. OnSession fires once,
// before the process starts; OnChunk fires for each piece of output.
type StreamHooks struct {
	OnSession func(sessionID, providerID string)
	OnChunk   func(chunk string)
}

// Service turns chat requests into assistant subprocess runs, correlating
// them through the session store.
type Service struct {
	sessions        *session.Store
	providers       provider.Store
	executor        Executor
	turns           *turnLocks
	defaultProvider string
	allowedPaths    map[string]struct{}
	rejectUnknown   bool
	logger          *zap.Logger
}

// NewService wires the chat service.
func NewService(sessions *session.Store, providers provider.Store, executor Executor, opts Options) *Service {
	s := &Service{
		sessions:        sessions,
		providers:       providers,
		executor:        executor,
		defaultProvider: opts.DefaultProvider,
		rejectUnknown:   opts.RejectUnknownSessions,
		logger:          opts.Logger,
	}
	if s.defaultProvider == "" {
		s.defaultProvider = provider.Claude
	}
	if opts.SerializeTurns {
		s.turns = newTurnLocks()
	}
	if len(opts.AllowedPaths) > 0 {
		s.allowedPaths = make(map[string]struct{}, len(opts.AllowedPaths))
		for _, p := range opts.AllowedPaths {
			s.allowedPaths[filepath.Clean(p)] = struct{}{}
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Chat runs one turn and returns the assistant's full output.
func (s *Service) Chat(ctx context.Context, req chat.Request) (chat.Response, error) {
	return s.turn(ctx, req, StreamHooks{})
}

// ChatStream runs one turn, reporting output through hooks as it arrives.
func (s *Service) ChatStream(ctx context.Context, req chat.Request, hooks StreamHooks) (chat.Response, error) {
	return s.turn(ctx, req, hooks)
}

// EndSession removes a session. It returns session.ErrSessionNotFound when
// the id is not live.
func (s *Service) EndSession(_ context.Context, sessionID string) error {
	if err := s.sessions.Remove(sessionID); err != nil {
		return err
	}
	s.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// Health reports liveness and live session counts.
func (s *Service) Health() chat.Health {
	active, byProvider := s.sessions.Stats()
	return chat.Health{
		Status:         "ok",
		ActiveSessions: active,
		SessionStats:   byProvider,
	}
}

// plan is a validated turn with its session resolved.
type plan struct {
	message   string
	provider  provider.Provider
	sessionID string
	// threadID is passed to the assistant when the session is live.
	threadID string
	dir      string
}

func (s *Service) turn(ctx context.Context, req chat.Request, hooks StreamHooks) (chat.Response, error) {
	p, err := s.validate(req)
	if err != nil {
		return chat.Response{}, err
	}

	if err := s.resolveSession(&p, req); err != nil {
		return chat.Response{}, err
	}
	resp := chat.Response{SessionID: p.sessionID, Provider: p.provider.ID}

	if s.turns != nil {
		release, err := s.turns.acquire(ctx, p.sessionID)
		if err != nil {
			return resp, fmt.Errorf("wait for previous turn: %w", err)
		}
		defer release()
	}

	if hooks.OnSession != nil {
		hooks.OnSession(p.sessionID, p.provider.ID)
	}

	name, args := p.provider.Invocation(p.message, p.threadID)

	var out string
	if hooks.OnChunk != nil {
		out, err = s.executor.Stream(ctx, name, args, p.dir, hooks.OnChunk)
	} else {
		out, err = s.executor.Execute(ctx, name, args, p.dir)
	}
	if err != nil {
		s.logger.Warn("assistant turn failed",
			zap.String("session_id", p.sessionID),
			zap.String("provider", p.provider.ID),
			zap.String("dir", p.dir),
			zap.Error(err),
		)
		return resp, err
	}

	s.logger.Info("assistant turn completed",
		zap.String("session_id", p.sessionID),
		zap.String("provider", p.provider.ID),
		zap.Bool("continued", p.threadID != ""),
		zap.Int("response_bytes", len(out)),
	)
	resp.Response = out
	return resp, nil
}

func (s *Service) validate(req chat.Request) (plan, error) {
	if strings.TrimSpace(req.Message) == "" {
		return plan{}, invalid("message required")
	}

	path := strings.TrimSpace(req.Path)
	if path == "" {
		return plan{}, invalid("path required")
	}
	if s.allowedPaths != nil {
		if _, ok := s.allowedPaths[filepath.Clean(path)]; !ok {
			return plan{}, invalid("path not allowed: %s", path)
		}
	}

	providerID := strings.TrimSpace(req.Provider)
	if providerID == "" {
		providerID = s.defaultProvider
	}
	p, ok := s.providers.FindByID(providerID)
	if !ok {
		return plan{}, invalid("unsupported provider: %s", providerID)
	}

	return plan{message: req.Message, provider: p, dir: path}, nil
}

// resolveSession creates a session for first turns and decides whether a
// supplied id continues a live session.
func (s *Service) resolveSession(p *plan, req chat.Request) error {
	if strings.TrimSpace(req.SessionID) == "" {
		created, err := s.sessions.Create(p.dir, p.provider.ID)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		s.logger.Info("session created",
			zap.String("session_id", created.ID),
			zap.String("path", created.Path),
			zap.String("provider", created.Provider),
		)
		p.sessionID, p.threadID, p.dir = created.ID, created.ID, created.Path
		return nil
	}

	p.sessionID = req.SessionID
	live, err := s.sessions.Lookup(req.SessionID)
	if err == nil {
		if filepath.Clean(live.Path) != filepath.Clean(p.dir) {
			s.logger.Debug("request path differs from session path, using session path",
				zap.String("session_id", live.ID),
				zap.String("session_path", live.Path),
				zap.String("request_path", p.dir),
			)
		}
		p.threadID, p.dir = live.ID, live.Path
		return nil
	}

	if s.rejectUnknown {
		return err
	}
	s.logger.Debug("unknown session id, running without history", zap.String("session_id", req.SessionID))
	return nil
}
