// Package orchestrator runs the central relay loop: inbound gateway
// messages are assembled with session memory into provider requests,
// tool calls are executed as the model asks for them, and exactly one
// reply is dispatched back per completed cycle.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/logger"
	"github.com/daiyosei/cirno-go/internal/memory"
	"github.com/daiyosei/cirno-go/internal/onebot"
	"github.com/daiyosei/cirno-go/internal/provider"
	"github.com/daiyosei/cirno-go/internal/throttle"
	"github.com/daiyosei/cirno-go/internal/tools"
)

var log = logger.With("orchestrator")

const (
	workerQueueSize      = 16
	defaultHistoryWindow = 20
)

const personaPromptTemplate = "You are %s, a friendly chat companion in an instant-messaging group. " +
	"Reply briefly and naturally, like a real person would. " +
	"Messages may be prefixed with the sender's name and ID; never repeat that prefix in your reply."

// Sender is the outbound half of the gateway client.
type Sender interface {
	Send(ctx context.Context, action *onebot.OutboundAction) error
}

// Orchestrator owns the per-session workers and the per-message FSM.
type Orchestrator struct {
	bot      config.BotConfig
	cfg      config.OrchConfig
	triggers []string // lowercased group-chat wake words
	registry *provider.Registry
	store    *memory.Store
	tools    *tools.Manager
	limiter  *throttle.Limiter
	sender   Sender

	mu      sync.Mutex
	workers map[string]chan *onebot.InboundEvent
	wg      sync.WaitGroup
}

// New wires the orchestrator. All collaborators are constructed once at
// startup and never swapped.
func New(bot config.BotConfig, cfg config.OrchConfig, registry *provider.Registry, store *memory.Store, mgr *tools.Manager, limiter *throttle.Limiter, sender Sender) *Orchestrator {
	var triggers []string
	for _, w := range bot.TriggerWords() {
		if w = strings.TrimSpace(w); w != "" {
			triggers = append(triggers, strings.ToLower(w))
		}
	}
	return &Orchestrator{
		bot:      bot,
		cfg:      cfg,
		triggers: triggers,
		registry: registry,
		store:    store,
		tools:    mgr,
		limiter:  limiter,
		sender:   sender,
		workers:  make(map[string]chan *onebot.InboundEvent),
	}
}

// Run consumes inbound events until the channel closes or ctx is
// cancelled, then waits for in-flight sessions to drain.
func (o *Orchestrator) Run(ctx context.Context, events <-chan *onebot.InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case ev, ok := <-events:
			if !ok {
				o.shutdown()
				return
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	for _, ch := range o.workers {
		close(ch)
	}
	o.workers = make(map[string]chan *onebot.InboundEvent)
	o.mu.Unlock()
	o.wg.Wait()
}

// dispatch routes the event to its session worker, creating one on
// first contact. One goroutine per session keeps turns strictly
// sequential within a session while distinct sessions run concurrently.
func (o *Orchestrator) dispatch(ctx context.Context, ev *onebot.InboundEvent) {
	key := ev.SessionKey()

	o.mu.Lock()
	ch, ok := o.workers[key]
	if !ok {
		ch = make(chan *onebot.InboundEvent, workerQueueSize)
		o.workers[key] = ch
		o.wg.Add(1)
		go o.worker(ctx, key, ch)
	}
	o.mu.Unlock()

	select {
	case ch <- ev:
	default:
		log.Warn("session queue full, dropping message", "session", key, "message_id", ev.MessageID)
	}
}

func (o *Orchestrator) worker(ctx context.Context, key string, ch <-chan *onebot.InboundEvent) {
	defer o.wg.Done()
	for ev := range ch {
		o.Handle(ctx, ev)
	}
	log.Debug("session worker stopped", "session", key)
}

// Handle processes one inbound message end to end: throttle check, FSM
// run under the session timeout, and exactly one outbound reply (the
// real one or a fallback).
func (o *Orchestrator) Handle(ctx context.Context, ev *onebot.InboundEvent) {
	key := ev.SessionKey()

	if !o.triggered(ev) {
		log.Debug("group message without trigger, ignoring", "session", key, "message_id", ev.MessageID)
		return
	}

	if o.limiter != nil {
		if verdict := o.limiter.Allow(key, ev.UserID); verdict != throttle.Allowed {
			log.Info("throttled inbound message", "session", key, "user", ev.UserID, "verdict", verdict)
			return
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.SessionTimeout)
	defer cancel()

	reply, err := o.process(runCtx, ev)
	if err != nil {
		log.Error("message processing failed, sending fallback", "session", key, "error", err)
		reply = o.cfg.FallbackReply
	}
	if reply == "" {
		// A provider can legally answer with an empty message; the cycle
		// still owes the session exactly one reply.
		log.Warn("empty completion, sending fallback", "session", key)
		reply = o.cfg.FallbackReply
	}

	action := onebot.NewReply(ev, onebot.Text(reply))
	if err := o.sender.Send(ctx, action); err != nil {
		log.Error("failed to send reply", "session", key, "error", err)
	}
}

// fsmContext carries the mutable state of one FSM run.
type fsmContext struct {
	messages   []openai.ChatCompletionMessage
	lastMsg    openai.ChatCompletionMessage
	needVision bool
	depth      int
	toolTurns  int
	finalText  string
	lastErr    error
}

// process drives the per-message state machine:
// Idle -> AwaitingCompletion -> (AwaitingTool -> AwaitingCompletion)* -> Replying.
func (o *Orchestrator) process(ctx context.Context, ev *onebot.InboundEvent) (string, error) {
	key := ev.SessionKey()

	userTurn := memory.Turn{
		Role:     memory.RoleUser,
		Content:  o.formatUserContent(ev),
		ImageURL: ev.ImageURL,
	}

	fc := &fsmContext{
		messages:   o.assembleContext(key, userTurn),
		needVision: ev.ImageURL != "",
	}
	o.store.Append(key, userTurn)

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerMessageReceived, StateAwaitingCompletion)

	fsm.Configure(StateAwaitingCompletion).
		OnEntry(func(ctx context.Context, _ ...any) error {
			msg, err := o.complete(ctx, fc)
			if err != nil {
				fc.lastErr = err
				return fsm.FireCtx(ctx, TriggerFailed)
			}
			fc.lastMsg = msg
			if len(msg.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, TriggerCompletionTools)
			}
			fc.finalText = msg.Content
			return fsm.FireCtx(ctx, TriggerCompletionText)
		}).
		Permit(TriggerCompletionTools, StateAwaitingTool).
		Permit(TriggerCompletionText, StateReplying).
		Permit(TriggerFailed, StateReplying)

	fsm.Configure(StateAwaitingTool).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if fc.depth >= o.cfg.ToolDepth {
				fc.lastErr = &ToolLoopError{Limit: o.cfg.ToolDepth}
				return fsm.FireCtx(ctx, TriggerFailed)
			}
			fc.depth++
			o.executeTools(ctx, key, fc)
			if fc.lastErr != nil {
				return fsm.FireCtx(ctx, TriggerFailed)
			}
			return fsm.FireCtx(ctx, TriggerToolsCompleted)
		}).
		Permit(TriggerToolsCompleted, StateAwaitingCompletion).
		Permit(TriggerFailed, StateReplying)

	fsm.Configure(StateReplying)

	if err := fsm.FireCtx(ctx, TriggerMessageReceived); err != nil {
		return "", fmt.Errorf("fsm: %w", err)
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("fsm state: %w", err)
	}
	if state != StateReplying {
		return "", fmt.Errorf("fsm ended in unexpected state: %v", state)
	}
	if fc.lastErr != nil {
		return "", fc.lastErr
	}

	o.store.Append(key, memory.Turn{Role: memory.RoleAssistant, Content: fc.finalText})
	return fc.finalText, nil
}

// complete tries the capable providers in fallback order and returns
// the first successful assistant message.
func (o *Orchestrator) complete(ctx context.Context, fc *fsmContext) (openai.ChatCompletionMessage, error) {
	candidates := o.registry.Candidates(fc.needVision)
	if len(candidates) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("no provider capable of this request")
	}

	var lastErr error
	for _, adapter := range candidates {
		msg, err := adapter.Complete(ctx, fc.messages, o.tools.Definitions())
		if err == nil {
			return msg, nil
		}
		lastErr = err
		log.Warn("provider call failed, trying next", "provider", adapter.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return openai.ChatCompletionMessage{}, lastErr
}

// executeTools runs the tool calls of the last assistant message and
// appends their results to the conversation. A chain that would push
// the stored tool turns past limit+1 is cut off with a ToolLoopError.
func (o *Orchestrator) executeTools(ctx context.Context, sessionKey string, fc *fsmContext) {
	fc.messages = append(fc.messages, fc.lastMsg)

	for _, tc := range fc.lastMsg.ToolCalls {
		if fc.toolTurns >= o.cfg.ToolDepth+1 {
			fc.lastErr = &ToolLoopError{Limit: o.cfg.ToolDepth}
			return
		}

		var args map[string]any
		output := ""
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			log.Error("failed to unmarshal tool arguments", "tool", tc.Function.Name, "error", err)
			output = "Error: could not parse arguments for tool " + tc.Function.Name
		} else {
			output = o.tools.Run(ctx, tc.Function.Name, args)
		}

		fc.messages = append(fc.messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    output,
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
		})
		fc.toolTurns++
		o.store.Append(sessionKey, memory.Turn{
			Role:     memory.RoleTool,
			Content:  output,
			ToolName: tc.Function.Name,
		})
	}
}

// assembleContext builds the provider message list: persona prompt,
// recent session history, then the new user turn.
func (o *Orchestrator) assembleContext(sessionKey string, userTurn memory.Turn) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: o.systemPrompt(),
	}}

	for _, t := range o.store.Recent(sessionKey, o.historyLimit()) {
		switch t.Role {
		case memory.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Content})
		case memory.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Content})
		}
		// Tool turns are persisted for inspection but carry call IDs
		// that are meaningless to a later request, so they are not
		// replayed into the prompt.
	}

	msgs = append(msgs, userMessage(userTurn))
	return msgs
}

func userMessage(t memory.Turn) openai.ChatCompletionMessage {
	if t.ImageURL == "" {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Content}
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: t.Content},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: t.ImageURL}},
		},
	}
}

func (o *Orchestrator) systemPrompt() string {
	if o.bot.SystemPrompt != "" {
		return o.bot.SystemPrompt
	}
	return fmt.Sprintf(personaPromptTemplate, o.bot.Name)
}

// triggered reports whether the bot should answer this event. Private
// chats always answer; group chats only on an @-mention or when a wake
// word appears in the text.
func (o *Orchestrator) triggered(ev *onebot.InboundEvent) bool {
	if !ev.IsGroup() {
		return true
	}
	if ev.AtSelf {
		return true
	}
	text := strings.ToLower(ev.Text)
	for _, w := range o.triggers {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// historyLimit is the prompt-history window: the retention count when
// bounded, otherwise a fixed cap so an unbounded store cannot flood the
// prompt.
func (o *Orchestrator) historyLimit() int {
	if n := o.store.MaxTurns(); n > 0 {
		return n
	}
	return defaultHistoryWindow
}

// formatUserContent prefixes group messages with the sender identity so
// the model can track who is speaking in a shared session.
func (o *Orchestrator) formatUserContent(ev *onebot.InboundEvent) string {
	text := strings.TrimSpace(ev.Text)
	if text == "" && ev.ImageURL != "" {
		text = "[image]"
	}
	if ev.IsGroup() {
		name := ev.UserName
		if name == "" {
			name = "User"
		}
		return fmt.Sprintf("%s(QQ:%d): %s", name, ev.UserID, text)
	}
	return text
}
