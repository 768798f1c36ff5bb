// Package chat keeps the client-side view of a user's conversations: the
// open thread, the conversation list, and notifications for messages that
// belong elsewhere. Pushed messages are de-duplicated against what the
// thread already shows because the same message can arrive by REST and by
// push, and optimistic sends echo back from the server.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/client"
	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/signaling"
	"rentalconnect-realtime/pkg/constants"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// API is the REST surface the overlay uses. *client.Client implements it.
type API interface {
	OpenChat(ctx context.Context, accommodationID, counterpartID domain.ID) (*domain.ChatView, error)
	ListChats(ctx context.Context) ([]domain.ChatView, error)
	GetMessages(ctx context.Context, chatID domain.ID, limit int, pageState string) (*client.MessagePage, error)
	SendMessage(ctx context.Context, chatID domain.ID, text string) (*domain.ConversationMessage, error)
}

// Outcome is what happened to a pushed message
type Outcome string

const (
	OutcomeAppended    Outcome = "appended"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeOtherThread Outcome = "other_thread"
	OutcomeInvalid     Outcome = "invalid"
)

// Thread identifies the open conversation
type Thread struct {
	ChatID          domain.ID
	AccommodationID domain.ID
	CounterpartID   domain.ID
}

// Notice is a dismissible, non-fatal error shown to the user
type Notice struct {
	ID      string
	Message string
	At      time.Time
}

// Notification announces a message for a thread that is not open
type Notification struct {
	From            domain.ID
	AccommodationID domain.ID
	Text            string
}

// Option configures an Overlay
type Option func(*Overlay)

// WithMetrics records de-duplication outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Overlay) { o.metrics = m }
}

// Overlay is safe for concurrent use
type Overlay struct {
	self    domain.ID
	api     API
	channel signaling.Channel
	metrics *metrics.Metrics
	log     *zap.Logger

	handlers map[string]signaling.HandlerID

	mu        sync.Mutex
	thread    *Thread
	messages  []domain.ConversationMessage
	summaries map[domain.ID]*domain.ConversationSummary
	notices   []Notice

	obsMu          sync.RWMutex
	onThread       []func([]domain.ConversationMessage)
	onNotification []func(Notification)
	onNotice       []func(Notice)
}

// New creates an overlay for user self and subscribes to message pushes
func New(self domain.ID, api API, ch signaling.Channel, opts ...Option) *Overlay {
	o := &Overlay{
		self:      self,
		api:       api,
		channel:   ch,
		log:       logger.Named("chat"),
		handlers:  make(map[string]signaling.HandlerID),
		summaries: make(map[domain.ID]*domain.ConversationSummary),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, event := range []string{signaling.EventNewMessage, signaling.EventMessageReceive} {
		o.handlers[event] = ch.On(event, o.handlePush)
	}
	return o
}

// Close unsubscribes from the channel
func (o *Overlay) Close() {
	for event, id := range o.handlers {
		o.channel.Off(event, id)
	}
}

// OnThreadUpdate registers an observer for changes to the open thread
func (o *Overlay) OnThreadUpdate(fn func([]domain.ConversationMessage)) {
	o.obsMu.Lock()
	o.onThread = append(o.onThread, fn)
	o.obsMu.Unlock()
}

// OnNotification registers an observer for messages outside the open thread
func (o *Overlay) OnNotification(fn func(Notification)) {
	o.obsMu.Lock()
	o.onNotification = append(o.onNotification, fn)
	o.obsMu.Unlock()
}

// OnNotice registers an observer for non-fatal errors
func (o *Overlay) OnNotice(fn func(Notice)) {
	o.obsMu.Lock()
	o.onNotice = append(o.onNotice, fn)
	o.obsMu.Unlock()
}

// LoadSummaries seeds the conversation list from the server
func (o *Overlay) LoadSummaries(ctx context.Context) error {
	chats, err := o.api.ListChats(ctx)
	if err != nil {
		o.raiseNotice("Could not load conversations", err)
		return err
	}

	o.mu.Lock()
	for _, c := range chats {
		s := o.summaryLocked(c.CounterpartID, c.AccommodationID)
		if c.LastMessageAt.After(s.LastMessageAt) {
			s.LastMessage = c.LastMessage
			s.LastMessageAt = c.LastMessageAt
		}
	}
	o.mu.Unlock()
	return nil
}

// Open gets or creates the chat with counterpartID about accommodationID and
// loads its history. Failures become a Notice; the overlay stays usable.
func (o *Overlay) Open(ctx context.Context, accommodationID, counterpartID domain.ID) error {
	if accommodationID.IsZero() || counterpartID.IsZero() {
		return apperrors.ValidationError("accommodation and counterpart are required")
	}

	chat, err := o.api.OpenChat(ctx, accommodationID, counterpartID)
	if err != nil {
		o.raiseNotice("Could not open the conversation", err)
		return err
	}

	o.mu.Lock()
	o.thread = &Thread{ChatID: chat.ChatID, AccommodationID: accommodationID, CounterpartID: counterpartID}
	o.messages = nil
	if s, ok := o.summaries[counterpartID]; ok {
		s.Unread = 0
	}
	o.mu.Unlock()

	page, err := o.api.GetMessages(ctx, chat.ChatID, constants.MaxPageSize, "")
	if err != nil {
		o.raiseNotice("Could not load messages", err)
		return err
	}

	o.mu.Lock()
	if o.thread == nil || o.thread.ChatID != chat.ChatID {
		o.mu.Unlock()
		return nil
	}
	for _, m := range page.Messages {
		if !isDuplicate(o.messages, m) {
			o.messages = append(o.messages, m)
		}
	}
	sortMessages(o.messages)
	if n := len(o.messages); n > 0 {
		o.touchSummaryLocked(counterpartID, accommodationID, o.messages[n-1], false)
	}
	snapshot := o.threadSnapshotLocked()
	o.mu.Unlock()

	o.emitThread(snapshot)
	return nil
}

// CloseThread leaves the open thread; later pushes only notify
func (o *Overlay) CloseThread() {
	o.mu.Lock()
	o.thread = nil
	o.messages = nil
	o.mu.Unlock()
}

// CurrentThread returns the open thread, if any
func (o *Overlay) CurrentThread() (Thread, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.thread == nil {
		return Thread{}, false
	}
	return *o.thread, true
}

// Messages returns the open thread's messages, oldest first
func (o *Overlay) Messages() []domain.ConversationMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threadSnapshotLocked()
}

// Send posts text to the open thread and appends the stored message
func (o *Overlay) Send(ctx context.Context, text string) (*domain.ConversationMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.MissingFieldError("text")
	}

	o.mu.Lock()
	thread := o.thread
	o.mu.Unlock()
	if thread == nil {
		return nil, apperrors.ValidationError("No conversation is open")
	}

	msg, err := o.api.SendMessage(ctx, thread.ChatID, text)
	if err != nil {
		o.raiseNotice("Message not sent", err)
		return nil, err
	}
	if msg.AccommodationID.IsZero() {
		msg.AccommodationID = thread.AccommodationID
	}
	o.Apply(*msg, thread.AccommodationID)
	return msg, nil
}

// Apply runs one message through de-duplication and scoping. contextID is
// the accommodation the message belongs to.
func (o *Overlay) Apply(msg domain.ConversationMessage, contextID domain.ID) Outcome {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if contextID.IsZero() {
		contextID = msg.AccommodationID
	}
	counterpart := msg.Counterpart(o.self)
	inbound := msg.SenderID != o.self

	o.mu.Lock()
	if o.thread == nil || o.thread.AccommodationID != contextID {
		o.touchSummaryLocked(counterpart, contextID, msg, inbound)
		o.mu.Unlock()

		o.metrics.RecordChatMessage(string(OutcomeOtherThread))
		if inbound {
			o.emitNotification(Notification{From: msg.SenderID, AccommodationID: contextID, Text: msg.Text})
		}
		return OutcomeOtherThread
	}

	if isDuplicate(o.messages, msg) {
		o.mu.Unlock()
		o.metrics.RecordChatMessage(string(OutcomeDuplicate))
		o.log.Debug("Dropped duplicate message", zap.String("id", msg.ID.String()))
		return OutcomeDuplicate
	}

	o.messages = append(o.messages, msg)
	sortMessages(o.messages)
	o.touchSummaryLocked(counterpart, contextID, msg, false)
	snapshot := o.threadSnapshotLocked()
	o.mu.Unlock()

	o.metrics.RecordChatMessage(string(OutcomeAppended))
	o.emitThread(snapshot)
	return OutcomeAppended
}

// Summaries returns the conversation list, most recent first
func (o *Overlay) Summaries() []domain.ConversationSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.ConversationSummary, 0, len(o.summaries))
	for _, s := range o.summaries {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].CounterpartID < out[j].CounterpartID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Notices returns undismissed notices
func (o *Overlay) Notices() []Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Notice(nil), o.notices...)
}

// DismissNotice removes a notice by id
func (o *Overlay) DismissNotice(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, n := range o.notices {
		if n.ID == id {
			o.notices = append(o.notices[:i], o.notices[i+1:]...)
			return
		}
	}
}

func (o *Overlay) handlePush(data json.RawMessage) {
	var p signaling.MessagePayload
	if err := signaling.Decode(data, &p); err != nil {
		o.log.Warn("Invalid message push", zap.Error(err))
		o.metrics.RecordChatMessage(string(OutcomeInvalid))
		return
	}
	msg, ok := p.Body()
	if !ok {
		o.metrics.RecordChatMessage(string(OutcomeInvalid))
		return
	}
	o.Apply(msg, p.ContextID())
}

// isDuplicate reports whether msg is already represented in existing: first
// by id, then by identical text within the duplicate window.
func isDuplicate(existing []domain.ConversationMessage, msg domain.ConversationMessage) bool {
	if !msg.ID.IsZero() {
		for _, e := range existing {
			if e.ID == msg.ID {
				return true
			}
		}
	}
	for _, e := range existing {
		if e.Text != msg.Text {
			continue
		}
		delta := e.CreatedAt.Sub(msg.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < constants.DuplicateMessageWindow {
			return true
		}
	}
	return false
}

func sortMessages(msgs []domain.ConversationMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func (o *Overlay) summaryLocked(counterpart, accommodationID domain.ID) *domain.ConversationSummary {
	s, ok := o.summaries[counterpart]
	if !ok {
		s = &domain.ConversationSummary{CounterpartID: counterpart}
		o.summaries[counterpart] = s
	}
	if !accommodationID.IsZero() {
		s.AccommodationID = accommodationID
	}
	return s
}

func (o *Overlay) touchSummaryLocked(counterpart, accommodationID domain.ID, msg domain.ConversationMessage, unread bool) {
	if counterpart.IsZero() {
		return
	}
	s := o.summaryLocked(counterpart, accommodationID)
	if !msg.CreatedAt.Before(s.LastMessageAt) {
		s.LastMessage = msg.Text
		s.LastMessageAt = msg.CreatedAt
	}
	if unread {
		s.Unread++
	}
}

func (o *Overlay) threadSnapshotLocked() []domain.ConversationMessage {
	return append([]domain.ConversationMessage(nil), o.messages...)
}

func (o *Overlay) raiseNotice(message string, err error) {
	o.log.Warn(message, zap.Error(err))
	n := Notice{ID: uuid.NewString(), Message: message, At: time.Now()}

	o.mu.Lock()
	o.notices = append(o.notices, n)
	o.mu.Unlock()

	o.obsMu.RLock()
	observers := append([]func(Notice){}, o.onNotice...)
	o.obsMu.RUnlock()
	for _, fn := range observers {
		fn(n)
	}
}

func (o *Overlay) emitThread(msgs []domain.ConversationMessage) {
	o.obsMu.RLock()
	observers := append([]func([]domain.ConversationMessage){}, o.onThread...)
	o.obsMu.RUnlock()
	for _, fn := range observers {
		fn(msgs)
	}
}

func (o *Overlay) emitNotification(n Notification) {
	o.obsMu.RLock()
	observers := append([]func(Notification){}, o.onNotification...)
	o.obsMu.RUnlock()
	for _, fn := range observers {
		fn(n)
	}
}
