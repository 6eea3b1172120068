package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/rallylabs/rally-core/internal/audit"
	"github.com/rallylabs/rally-core/internal/bus"
	"github.com/rallylabs/rally-core/internal/coordinator"
	"github.com/rallylabs/rally-core/internal/parser"
	"github.com/rallylabs/rally-core/internal/protocol"
)

// Service feeds bus utterances through the parser and router, one at a
// time, and publishes the reply. Typed text arrives on cmd.utterance,
// speech arrives as final transcripts.
type Service struct {
	router  *Router
	parser  *parser.Parser
	bus     *bus.Client
	emitter *audit.Emitter
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	queue  chan protocol.Utterance
	done   chan struct{}
}

func NewService(router *Router, p *parser.Parser, busClient *bus.Client, emitter *audit.Emitter, log *slog.Logger) *Service {
	return &Service{
		router:  router,
		parser:  p,
		bus:     busClient,
		emitter: emitter,
		log:     log.With(slog.String("component", "router-service")),
		queue:   make(chan protocol.Utterance, 32),
		done:    make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	conn := s.bus.Conn()

	utterSub, err := conn.Subscribe(protocol.SubjectUtterance, func(msg *nats.Msg) {
		var u protocol.Utterance
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			s.log.Warn("invalid utterance message", slog.String("error", err.Error()))
			return
		}
		if u.Source == "" {
			u.Source = "text"
		}
		if u.SessionID == "" {
			u.SessionID = uuid.NewString()
		}
		s.enqueue(u)
	})
	if err != nil {
		return fmt.Errorf("subscribe utterance: %w", err)
	}
	s.subs = append(s.subs, utterSub)

	transcriptSub, err := conn.Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			s.log.Warn("invalid transcript message", slog.String("error", err.Error()))
			return
		}
		s.enqueue(protocol.Utterance{
			SessionID: tr.SessionID,
			Text:      tr.Text,
			Source:    "speech",
			Timestamp: tr.Timestamp,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.subs = append(s.subs, transcriptSub)

	go s.run()
	return nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	<-s.done
	s.router.Close()
}

func (s *Service) enqueue(u protocol.Utterance) {
	select {
	case s.queue <- u:
	default:
		s.log.Warn("utterance queue full, dropping input",
			slog.String("session", u.SessionID))
	}
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.queue:
			s.handle(u)
		}
	}
}

func (s *Service) handle(u protocol.Utterance) {
	result := s.parser.Parse(u.Text, u.Source, u.SessionID)

	var reply string
	switch {
	case result.Command != nil:
		text, err := s.router.Dispatch(s.ctx, result.Command)
		reply = text
		if err != nil && reply == "" {
			reply = replyForError(err)
		}
	case result.Clarification != nil:
		reply = clarifyReply(result.Clarification.Candidates)
		s.record(audit.Event{
			SessionID: u.SessionID,
			Source:    u.Source,
			Raw:       u.Text,
			Score:     result.Clarification.Trace.Score,
			Command:   "clarify",
			Detail:    strings.Join(result.Clarification.Candidates, ","),
		})
	default:
		reply = "聽不懂，請再說一次"
		s.record(audit.Event{
			SessionID: u.SessionID,
			Source:    u.Source,
			Raw:       u.Text,
			Command:   "no_match",
		})
	}

	s.publishReply(u, reply)
}

func (s *Service) record(ev audit.Event) {
	if s.emitter != nil {
		s.emitter.Record(ev)
	}
}

func (s *Service) publishReply(u protocol.Utterance, text string) {
	speak := u.Source == "speech"
	reply := protocol.Reply{
		SessionID: u.SessionID,
		Text:      text,
		Speak:     speak,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectReply, payload); err != nil {
		s.log.Warn("publish reply failed", slog.String("error", err.Error()))
	}
	if !speak {
		return
	}
	req := protocol.TTSRequest{SessionID: u.SessionID, Text: text}
	payload, err = json.Marshal(req)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSRequest, payload); err != nil {
		s.log.Warn("publish tts request failed", slog.String("error", err.Error()))
	}
}

func clarifyReply(candidates []string) string {
	return "你是指哪一個：" + strings.Join(candidates, "、") + "？"
}

func replyForError(err error) string {
	var illegal *IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		return "目前狀態無法執行這個指令"
	case errors.Is(err, coordinator.ErrDeviceBusy):
		return "發球機忙碌中，請先停止訓練"
	case errors.Is(err, coordinator.ErrNoHandles):
		return "發球機未連線"
	case errors.Is(err, context.DeadlineExceeded):
		return "操作逾時"
	}
	return "指令執行失敗"
}
