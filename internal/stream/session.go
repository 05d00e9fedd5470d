// Package stream re-assembles Copilot's chunked chat-completion stream and
// relays it to the caller as OpenAI or Anthropic server-sent events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/tokenizer"
	"copilot-gateway/internal/translator"
)

const (
	DefaultGracePeriod = 2 * time.Second
	defaultReadSize    = 4096
)

// State is the lifecycle position of a session.
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateToolCallAccumulating
	StateFinished
	StateErrorTerminal
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateToolCallAccumulating:
		return "tool_call_accumulating"
	case StateFinished:
		return "finished"
	case StateErrorTerminal:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateFinished
}

// Event is one server-sent event in the caller's protocol. Name is empty for
// OpenAI streams, which only use data lines.
type Event struct {
	Name     string
	Data     []byte
	Terminal bool
}

// WriteTo writes the event with text/event-stream framing.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if e.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(e.Name)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(e.Data)
	buf.WriteString("\n\n")
	return buf.WriteTo(w)
}

// Summary describes how a session ended.
type Summary struct {
	Session      string
	State        State
	FinishReason models.FinishReason
	Usage        models.Usage
	Err          error
}

// Options configures an Engine.
type Options struct {
	GracePeriod time.Duration
	ReadSize    int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	// OnTerminal runs exactly once per session, after its terminal transition.
	OnTerminal func(Summary)
}

// Engine starts stream sessions with shared options.
type Engine struct {
	opts Options
	log  zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	return &Engine{opts: opts, log: opts.Logger.With().Str("component", "stream").Logger()}
}

// Session translates one upstream body. Events must be drained until the
// channel closes or the context passed to Start is cancelled.
type Session struct {
	id   string
	env  *models.Envelope
	body io.ReadCloser
	enc  encoder
	opts Options
	log  zerolog.Logger

	events chan Event
	done   chan struct{}
	state  atomic.Int32
	once   sync.Once

	summary Summary

	parser      Parser
	started     bool
	inputTokens int
	text        strings.Builder
	calls       []models.ToolUse
	pending     map[string]*pendingCall
	order       []string
	byIndex     map[int]string
	finish      string
	sawFinish   bool
}

type pendingCall struct {
	name string
	args strings.Builder
}

// Start begins translating body for the target protocol. The session owns
// body and closes it on every exit path, immediately when ctx is cancelled.
func (e *Engine) Start(ctx context.Context, body io.ReadCloser, env *models.Envelope, target models.Protocol) (*Session, error) {
	enc, err := newEncoder(target)
	if err != nil {
		return nil, err
	}
	id := env.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:          id,
		env:         env,
		body:        body,
		enc:         enc,
		opts:        e.opts,
		log:         e.log.With().Str("session", id).Str("protocol", string(target)).Logger(),
		events:      make(chan Event),
		done:        make(chan struct{}),
		inputTokens: tokenizer.CountEnvelope(env),
		pending:     make(map[string]*pendingCall),
		byIndex:     make(map[int]string),
	}
	go s.run(ctx)
	return s, nil
}

// ID identifies the session in logs and errors.
func (s *Session) ID() string { return s.id }

// Events is closed after the terminal event, or without one on cancellation.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State { return State(s.state.Load()) }

// Summary is valid after Done is closed.
func (s *Session) Summary() Summary {
	<-s.done
	return s.summary
}

func (s *Session) setState(state State) {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return
		}
		if s.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.events)
	defer s.body.Close()

	stop := context.AfterFunc(ctx, func() {
		s.body.Close()
		timer := time.NewTimer(s.opts.GracePeriod)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.log.Warn().Dur("grace", s.opts.GracePeriod).Msg("stream did not stop within grace period")
			s.terminate(StateCancelled, "", models.Usage{InputTokens: s.inputTokens}, ctx.Err())
		}
	})
	defer stop()

	buf := make([]byte, s.opts.ReadSize)
	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			for _, frame := range s.parser.Feed(buf[:n]) {
				if !s.handle(ctx, frame) {
					return
				}
			}
		}
		if readErr == nil {
			continue
		}

		if ctx.Err() != nil {
			s.cancel(ctx)
			return
		}
		if frame, ok := s.parser.Flush(); ok {
			if !s.handle(ctx, frame) {
				return
			}
		}
		switch {
		case !errors.Is(readErr, io.EOF):
			s.fail(ctx, &apierror.UpstreamError{Op: "read upstream stream", Err: readErr})
		case s.sawFinish:
			s.complete(ctx)
		default:
			s.fail(ctx, &apierror.StreamDecodeError{Op: "read upstream stream", Session: s.id, Err: io.ErrUnexpectedEOF})
		}
		return
	}
}

type upstreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   *string                   `json:"content"`
			ToolCalls []translator.ChatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// handle processes one upstream frame and reports whether to keep reading.
func (s *Session) handle(ctx context.Context, frame Frame) bool {
	data := strings.TrimSpace(frame.Data)
	if data == "[DONE]" {
		s.complete(ctx)
		return false
	}

	var chunk upstreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.fail(ctx, &apierror.StreamDecodeError{Op: "decode upstream chunk", Session: s.id, Err: err})
		return false
	}
	if chunk.Error != nil {
		s.fail(ctx, &apierror.UpstreamError{Op: "upstream stream", Status: 200, Body: chunk.Error.Message})
		return false
	}
	// Copilot leads with a prompt-filter chunk that has no choices.
	if len(chunk.Choices) == 0 {
		return true
	}
	if !s.begin(ctx, chunk.ID, chunk.Model, chunk.Created) {
		return false
	}

	for _, choice := range chunk.Choices {
		if c := choice.Delta.Content; c != nil && *c != "" {
			if !s.closeToolCalls(ctx) || !s.emitText(ctx, *c) {
				return false
			}
		}
		for j, call := range choice.Delta.ToolCalls {
			if err := s.accumulate(j, call); err != nil {
				s.fail(ctx, err)
				return false
			}
		}
		if r := choice.FinishReason; r != nil && *r != "" {
			s.finish, s.sawFinish = *r, true
			if !s.closeToolCalls(ctx) {
				return false
			}
		}
	}
	return true
}

func (s *Session) begin(ctx context.Context, id, model string, created int64) bool {
	if s.started {
		return true
	}
	s.started = true
	if model == "" {
		model = s.env.Model
	}
	if created == 0 {
		created = time.Now().Unix()
	}
	evs, err := s.enc.start(meta{id: id, model: model, created: created, inputTokens: s.inputTokens})
	if !s.send(ctx, evs, err) {
		return false
	}
	s.setState(StateStreaming)
	return true
}

// accumulate buffers one tool-call fragment. Later fragments carry only the
// index, which is mapped back to the id of the call that introduced it.
func (s *Session) accumulate(position int, call translator.ChatToolCall) error {
	index := position
	if call.Index != nil {
		index = *call.Index
	}

	id := call.ID
	if id != "" {
		if _, ok := s.pending[id]; !ok {
			s.pending[id] = &pendingCall{}
			s.order = append(s.order, id)
		}
		s.byIndex[index] = id
	} else {
		var ok bool
		if id, ok = s.byIndex[index]; !ok {
			return &apierror.StreamDecodeError{
				Op:      "accumulate tool call",
				Session: s.id,
				Err:     fmt.Errorf("fragment for unknown tool call index %d", index),
			}
		}
	}

	pc := s.pending[id]
	if pc.name == "" {
		pc.name = call.Function.Name
	}
	pc.args.WriteString(call.Function.Arguments)
	s.setState(StateToolCallAccumulating)
	return nil
}

// closeToolCalls emits every open tool call in the order they began.
func (s *Session) closeToolCalls(ctx context.Context) bool {
	if len(s.order) == 0 {
		return true
	}
	for _, id := range s.order {
		pc := s.pending[id]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		}
		if pc.name == "" || !json.Valid([]byte(args)) {
			s.fail(ctx, &apierror.StreamDecodeError{
				Op:      "assemble tool call",
				Session: s.id,
				Err:     fmt.Errorf("tool call %s is incomplete or has invalid arguments", id),
			})
			return false
		}

		use := models.ToolUse{ID: id, Name: pc.name, Arguments: json.RawMessage(args)}
		s.calls = append(s.calls, use)
		evs, err := s.enc.toolCall(use)
		if !s.send(ctx, evs, err) {
			return false
		}
	}
	s.order = s.order[:0]
	clear(s.pending)
	clear(s.byIndex)
	s.setState(StateStreaming)
	return true
}

// emitText forwards a text delta at once. Deltas are always whole strings:
// the parser only dispatches complete lines, so a multi-byte sequence split
// across reads is still in its buffer.
func (s *Session) emitText(ctx context.Context, text string) bool {
	if text == "" {
		return true
	}
	s.text.WriteString(text)
	evs, err := s.enc.text(text)
	return s.send(ctx, evs, err)
}

func (s *Session) completion() []models.ContentBlock {
	blocks := make([]models.ContentBlock, 0, len(s.calls)+1)
	if s.text.Len() > 0 || len(s.calls) == 0 {
		blocks = append(blocks, models.Text{Text: s.text.String()})
	}
	for _, call := range s.calls {
		blocks = append(blocks, call)
	}
	return blocks
}

func (s *Session) complete(ctx context.Context) {
	if !s.begin(ctx, "", "", 0) || !s.closeToolCalls(ctx) {
		return
	}
	reason := translator.FinishFromOpenAI(s.finish)
	if len(s.calls) > 0 {
		reason = models.FinishToolCalls
	}
	usage := models.Usage{
		InputTokens:  s.inputTokens,
		OutputTokens: tokenizer.CountCompletion(s.completion()),
	}

	evs, err := s.enc.finish(reason, usage)
	if !s.send(ctx, evs, err) {
		return
	}
	s.terminate(StateFinished, reason, usage, nil)
}

func (s *Session) fail(ctx context.Context, err error) {
	s.log.Warn().Err(err).Msg("stream aborted")
	usage := models.Usage{InputTokens: s.inputTokens}
	if !s.emit(ctx, s.enc.fail(err)) {
		return
	}
	s.terminate(StateErrorTerminal, "", usage, err)
}

func (s *Session) cancel(ctx context.Context) {
	s.terminate(StateCancelled, "", models.Usage{InputTokens: s.inputTokens}, ctx.Err())
}

// send emits encoded events, turning an encoding failure into a terminal
// error event.
func (s *Session) send(ctx context.Context, evs []Event, err error) bool {
	if err != nil {
		s.fail(ctx, &apierror.StreamDecodeError{Op: "encode event", Session: s.id, Err: err})
		return false
	}
	return s.emit(ctx, evs...)
}

// emit hands events to the consumer one at a time. It never sends once the
// consumer's context is done.
func (s *Session) emit(ctx context.Context, evs ...Event) bool {
	for _, ev := range evs {
		if ctx.Err() != nil {
			s.cancel(ctx)
			return false
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			s.cancel(ctx)
			return false
		}
	}
	return true
}

func (s *Session) terminate(state State, reason models.FinishReason, usage models.Usage, err error) {
	s.once.Do(func() {
		s.state.Store(int32(state))
		s.summary = Summary{Session: s.id, State: state, FinishReason: reason, Usage: usage, Err: err}
		s.opts.Metrics.StreamFinished(state.String())

		ev := s.log.Debug()
		if state != StateFinished {
			ev = s.log.Info().AnErr("cause", err)
		}
		ev.Str("state", state.String()).
			Int("input_tokens", usage.InputTokens).
			Int("output_tokens", usage.OutputTokens).
			Msg("stream session ended")

		if s.opts.OnTerminal != nil {
			s.opts.OnTerminal(s.summary)
		}
		close(s.done)
	})
}
