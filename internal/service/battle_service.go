package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-battle-api/internal/dto"
	"github.com/noah-isme/gema-battle-api/internal/middleware"
	"github.com/noah-isme/gema-battle-api/internal/observability"
	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

const (
	defaultPersistTimeout = 3 * time.Second
	battlePingInterval    = 30 * time.Second
)

// BattleConn is the part of a websocket connection the protocol needs.
// *websocket.Conn from gofiber/websocket satisfies it.
type BattleConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// BattleConnectionOptions wraps metadata extracted during the HTTP upgrade.
type BattleConnectionOptions struct {
	RoomKey       string
	Identity      Identity
	CorrelationID string
	Context       context.Context
}

// BattleServiceConfig tunes the protocol handler.
type BattleServiceConfig struct {
	SendBuffer     int
	PersistTimeout time.Duration
}

// BattleService runs the per-connection battle protocol.
type BattleService interface {
	ServeConnection(conn BattleConn, opts BattleConnectionOptions)
	Room(roomKey string) (RoomSnapshot, bool)
	Start(ctx context.Context) error
}

type battleService struct {
	tasks     TaskStore
	sink      OutcomeSink
	verdicts  VerdictService
	hub       *BattleHub
	relay     *BattleRelay
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	cfg       BattleServiceConfig
}

// NewBattleService creates the battle protocol handler. relay may be nil.
func NewBattleService(tasks TaskStore, sink OutcomeSink, verdicts VerdictService, hub *BattleHub, relay *BattleRelay, validate *validator.Validate, logger zerolog.Logger, cfg BattleServiceConfig) BattleService {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if hub == nil {
		hub = NewBattleHub(logger)
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &battleService{
		tasks:     tasks,
		sink:      sink,
		verdicts:  verdicts,
		hub:       hub,
		relay:     relay,
		validator: validate,
		logger:    logger.With().Str("component", "battle_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-battle-api/internal/service/battle"),
		cfg:       cfg,
	}
}

// Start subscribes to frames relayed from other nodes.
func (s *battleService) Start(ctx context.Context) error {
	if !s.relay.Enabled() {
		return nil
	}
	return s.relay.Start(ctx, s.deliverRelayed)
}

func (s *battleService) Room(roomKey string) (RoomSnapshot, bool) {
	return s.hub.Snapshot(roomKey)
}

// ServeConnection registers the connection in its room and processes frames in
// arrival order until the transport closes.
func (s *battleService) ServeConnection(conn BattleConn, opts BattleConnectionOptions) {
	roomKey := strings.TrimSpace(opts.RoomKey)
	if roomKey == "" {
		if payload, err := dto.MarshalFrame(dto.NewErrorFrame(ErrRoomKeyRequired.Error())); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}
		_ = conn.Close()
		return
	}

	identity := opts.Identity
	if !identity.Authenticated() {
		identity = AnonymousIdentity()
	}

	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID != "" {
		baseCtx = middleware.ContextWithCorrelation(baseCtx, opts.CorrelationID)
	}

	client := NewBattleClient(identity, s.cfg.SendBuffer)
	logger := s.logger.With().
		Str("room", roomKey).
		Str("connection_id", client.ID()).
		Uint("user_id", identity.UserID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	s.hub.Join(roomKey, client)
	observability.BattleConnections().Inc()
	logger.Info().Msg("battle connection opened")

	writerDone := make(chan struct{})
	go s.writer(conn, client, logger, writerDone)

	if identity.Authenticated() {
		s.publish(baseCtx, roomKey, dto.FramePlayerJoined, dto.PlayerJoinedFrame{
			Type:     dto.FramePlayerJoined,
			Username: identity.DisplayName(),
		})
	}

	session := &battleSession{roomKey: roomKey, client: client, logger: logger}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("battle read loop ended")
			break
		}
		s.handleFrame(baseCtx, session, data)
	}

	client.Close()
	s.hub.Leave(roomKey, client)
	_ = conn.Close()
	<-writerDone

	observability.BattleConnections().Dec()
	logger.Info().Msg("battle connection closed")
}

type battleSession struct {
	roomKey string
	client  *BattleClient
	logger  zerolog.Logger
}

func (s *battleService) writer(conn BattleConn, client *BattleClient, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)
	defer client.Close()

	ticker := time.NewTicker(battlePingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-client.Outbound():
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug().Err(err).Msg("battle write loop terminated")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				logger.Debug().Err(err).Msg("battle ping failed")
				_ = conn.Close()
				return
			}
		case <-client.Done():
			return
		}
	}
}

// handleFrame dispatches one client frame. Errors are reported to the sender
// only and never end the connection.
func (s *battleService) handleFrame(ctx context.Context, session *battleSession, data []byte) {
	var frame dto.BattleInboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.BattleInbound().WithLabelValues("invalid").Inc()
		s.replyError(session, fmt.Errorf("%w: %v", ErrInvalidFrame, err))
		return
	}

	switch frame.Type {
	case dto.FrameCodeSubmit:
		observability.BattleInbound().WithLabelValues(frame.Type).Inc()
		s.handleCodeSubmit(ctx, session, frame)
	case dto.FrameAttack:
		observability.BattleInbound().WithLabelValues(frame.Type).Inc()
		s.handleAttack(ctx, session, frame)
	case dto.FrameChatMessage:
		observability.BattleInbound().WithLabelValues(frame.Type).Inc()
		s.handleChat(ctx, session, frame)
	default:
		observability.BattleInbound().WithLabelValues("unknown").Inc()
		s.replyError(session, fmt.Errorf("%w: %q", ErrUnknownMessageType, frame.Type))
	}
}

func (s *battleService) handleAttack(ctx context.Context, session *battleSession, frame dto.BattleInboundFrame) {
	request := dto.AttackRequest{AttackType: strings.TrimSpace(frame.AttackType)}
	if request.AttackType == "" {
		request.AttackType = dto.DefaultAttackType
	}
	if err := s.validator.Struct(request); err != nil {
		s.replyError(session, fmt.Errorf("%w: %v", ErrInvalidFrame, err))
		return
	}

	s.publish(ctx, session.roomKey, dto.FrameAttackReceived, dto.AttackReceivedFrame{
		Type:       dto.FrameAttackReceived,
		AttackType: request.AttackType,
		Attacker:   session.client.Identity().DisplayName(),
	})
}

func (s *battleService) handleChat(ctx context.Context, session *battleSession, frame dto.BattleInboundFrame) {
	request := dto.ChatRequest{Message: strings.TrimSpace(frame.Message)}
	if err := s.validator.Struct(request); err != nil {
		s.replyError(session, fmt.Errorf("%w: chat message must not be empty or longer than 2000 characters", ErrInvalidFrame))
		return
	}

	s.publish(ctx, session.roomKey, dto.FrameChatMessage, dto.ChatMessageFrame{
		Type:    dto.FrameChatMessage,
		Message: request.Message,
		Sender:  session.client.Identity().DisplayName(),
	})
}

// handleCodeSubmit grades the submission, answers the submitter and, for the
// first passing submission of the room, records the win and ends the battle.
func (s *battleService) handleCodeSubmit(parent context.Context, session *battleSession, frame dto.BattleInboundFrame) {
	request := dto.CodeSubmitRequest{
		TaskID:   uint(frame.TaskID),
		Code:     frame.Code,
		Language: strings.TrimSpace(frame.Language),
	}
	if err := s.validator.Struct(request); err != nil {
		s.replyError(session, fmt.Errorf("%w: code_submit requires a task_id and code under 64KiB", ErrInvalidFrame))
		return
	}

	identity := session.client.Identity()
	language := sandbox.NormalizeLanguage(request.Language)
	logger := session.logger.With().Uint("task_id", request.TaskID).Str("language", language).Logger()

	ctx, span := s.tracer.Start(parent, "battle.code_submit", trace.WithAttributes(
		attribute.String("battle.room", session.roomKey),
		attribute.Int64("battle.task_id", int64(request.TaskID)),
		attribute.String("battle.language", language),
	))
	defer span.End()

	task, err := s.tasks.Get(ctx, request.TaskID)
	if err != nil {
		result := dto.SubmissionResultFrame{Type: dto.FrameSubmissionResult}
		if errors.Is(err, ErrTaskNotFound) {
			result.Output = fmt.Sprintf("Task not found: %d", request.TaskID)
			span.SetStatus(codes.Error, "task not found")
		} else {
			logger.Error().Err(err).Msg("failed to load battle task")
			span.RecordError(err)
			result.Output = "Task could not be loaded."
			result.Note = "task store unavailable, try again"
		}
		observability.BattleSubmissions().WithLabelValues("error").Inc()
		s.send(session, dto.FrameSubmissionResult, result)
		return
	}

	if len(task.TestCases) == 0 {
		observability.BattleSubmissions().WithLabelValues("error").Inc()
		s.send(session, dto.FrameSubmissionResult, dto.SubmissionResultFrame{
			Type:   dto.FrameSubmissionResult,
			Output: ErrNoTestCases.Error(),
		})
		return
	}

	report := s.verdicts.Evaluate(ctx, request.Code, language, task.TestCases)
	output := report.Summary()
	submittedAt := time.Now().UTC()
	span.SetAttributes(attribute.Bool("battle.passed", report.AllPassed))

	result := dto.SubmissionResultFrame{
		Type:        dto.FrameSubmissionResult,
		Passed:      report.AllPassed,
		Output:      output,
		PassedCount: report.PassedCount(),
		Total:       report.Total(),
	}

	// Both writes share one deadline, so the verdict waits at most one persist timeout.
	persistCtx, cancelPersist := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancelPersist()

	var notes []string
	if err := s.persist(persistCtx, func(ctx context.Context) error {
		return s.sink.RecordSubmission(ctx, SubmissionOutcome{
			RoomKey:     session.roomKey,
			TaskID:      task.ID,
			Submitter:   identity,
			Code:        request.Code,
			Language:    language,
			Output:      output,
			Report:      report,
			SubmittedAt: submittedAt,
		})
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist battle submission")
		notes = append(notes, "submission could not be saved")
	}

	won := report.AllPassed && s.hub.Finish(session.roomKey)
	if won {
		losers := s.opponents(session)
		if err := s.persist(persistCtx, func(ctx context.Context) error {
			return s.sink.RecordWin(ctx, session.roomKey, identity, losers, submittedAt)
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record battle result")
			notes = append(notes, "battle result could not be saved")
		}
	}

	verdict := "failed"
	if report.AllPassed {
		verdict = "passed"
	}
	observability.BattleSubmissions().WithLabelValues(verdict).Inc()

	result.Note = strings.Join(notes, "; ")
	s.send(session, dto.FrameSubmissionResult, result)

	if won {
		observability.BattleGameOvers().Inc()
		logger.Info().Str("winner", identity.DisplayName()).Msg("battle won")
		s.publish(ctx, session.roomKey, dto.FrameGameOver, dto.GameOverFrame{
			Type:   dto.FrameGameOver,
			Winner: identity.DisplayName(),
		})
	}
}

// opponents returns the distinct authenticated members other than the submitter.
func (s *battleService) opponents(session *battleSession) []Identity {
	winner := session.client.Identity()
	seen := map[uint]struct{}{}
	losers := make([]Identity, 0)
	for _, member := range s.hub.Members(session.roomKey) {
		identity := member.Identity()
		if member == session.client || !identity.Authenticated() || identity.UserID == winner.UserID {
			continue
		}
		if _, ok := seen[identity.UserID]; ok {
			continue
		}
		seen[identity.UserID] = struct{}{}
		losers = append(losers, identity)
	}
	return losers
}

// persist runs a sink call under ctx, which carries the shared persist deadline.
func (s *battleService) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.sink == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *battleService) send(session *battleSession, frameType string, frame interface{}) {
	payload, err := dto.MarshalFrame(frame)
	if err != nil {
		session.logger.Error().Err(err).Str("type", frameType).Msg("failed to encode battle frame")
		return
	}
	s.hub.Send(session.client, frameType, payload)
}

func (s *battleService) replyError(session *battleSession, err error) {
	session.logger.Debug().Err(err).Msg("rejected battle frame")
	s.send(session, dto.FrameError, dto.NewErrorFrame(err.Error()))
}

// publish delivers a frame to the local room and relays it to other nodes.
func (s *battleService) publish(ctx context.Context, roomKey, frameType string, frame interface{}) {
	payload, err := dto.MarshalFrame(frame)
	if err != nil {
		s.logger.Error().Err(err).Str("type", frameType).Msg("failed to encode battle frame")
		return
	}

	s.hub.Broadcast(roomKey, frameType, payload)
	if err := s.relay.Publish(ctx, roomKey, frameType, payload); err != nil {
		s.logger.Warn().Err(err).Str("room", roomKey).Str("type", frameType).Msg("failed to relay battle frame")
	}
}

func (s *battleService) deliverRelayed(event RelayEvent) {
	if event.Type == dto.FrameGameOver {
		// the battle was won on another node
		s.hub.Finish(event.Room)
	}
	s.hub.Broadcast(event.Room, event.Type, event.Payload)
}
