package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/signaling"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/pagination"
)

// Mocks
type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) GetOrCreate(ctx context.Context, accommodationID string, opener, counterpart uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, accommodationID, opener, counterpart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatRepository) GetByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Chat, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Chat), args.Error(1)
}

func (m *MockChatRepository) UpdateLastMessage(ctx context.Context, chatID uuid.UUID, text string, at time.Time) error {
	return m.Called(ctx, chatID, text, at).Error(0)
}

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Save(ctx context.Context, message *domain.Message) error {
	return m.Called(ctx, message).Error(0)
}

func (m *MockMessageRepository) ListByChat(ctx context.Context, chatID uuid.UUID, bucket int, limit int, pageState []byte) ([]*domain.Message, []byte, error) {
	args := m.Called(ctx, chatID, bucket, limit, pageState)
	var msgs []*domain.Message
	if v := args.Get(0); v != nil {
		msgs = v.([]*domain.Message)
	}
	var state []byte
	if v := args.Get(1); v != nil {
		state = v.([]byte)
	}
	return msgs, state, args.Error(2)
}

type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) Push(userID uuid.UUID, event string, payload any) {
	m.Called(userID, event, payload)
}

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestService(chats *MockChatRepository, msgs *MockMessageRepository, pusher Pusher) *Service {
	s := NewService(chats, msgs, pusher, nil)
	s.now = func() time.Time { return now }
	return s
}

func testChat(guest, host uuid.UUID, created time.Time) *domain.Chat {
	return &domain.Chat{
		ChatID:          uuid.New(),
		AccommodationID: "acc-1",
		GuestID:         guest,
		HostID:          host,
		CreatedAt:       created,
	}
}

func TestOpenChat(t *testing.T) {
	chats := new(MockChatRepository)
	s := newTestService(chats, new(MockMessageRepository), nil)
	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now)

	chats.On("GetOrCreate", mock.Anything, "acc-1", host, guest).Return(chat, nil)

	view, err := s.OpenChat(context.Background(), host, " acc-1 ", guest)
	require.NoError(t, err)
	assert.Equal(t, domain.IDFromUUID(guest), view.CounterpartID)
	assert.Equal(t, domain.ID("acc-1"), view.AccommodationID)
	chats.AssertExpectations(t)
}

func TestOpenChat_Validation(t *testing.T) {
	s := newTestService(new(MockChatRepository), new(MockMessageRepository), nil)
	user := uuid.New()

	_, err := s.OpenChat(context.Background(), user, "", uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = s.OpenChat(context.Background(), user, "acc-1", uuid.Nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = s.OpenChat(context.Background(), user, "acc-1", user)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestSendMessage(t *testing.T) {
	chats := new(MockChatRepository)
	msgs := new(MockMessageRepository)
	pusher := new(MockPusher)
	s := newTestService(chats, msgs, pusher)

	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now.AddDate(0, -2, 0))

	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil)
	msgs.On("Save", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.SenderID == guest && m.ReceiverID == host && m.Content == "Is parking included?" &&
			m.Bucket == 202610 && m.AccommodationID == "acc-1"
	})).Return(nil)
	chats.On("UpdateLastMessage", mock.Anything, chat.ChatID, "Is parking included?", now).Return(nil)
	pusher.On("Push", host, signaling.EventNewMessage, mock.Anything).Once()
	pusher.On("Push", guest, signaling.EventNewMessage, mock.Anything).Once()

	sent, err := s.SendMessage(context.Background(), guest, chat.ChatID, "  Is parking included?\x00 ")
	require.NoError(t, err)
	assert.Equal(t, "Is parking included?", sent.Text)
	assert.Equal(t, domain.IDFromUUID(guest), sent.SenderID)
	assert.Equal(t, now, sent.CreatedAt)

	chats.AssertExpectations(t)
	msgs.AssertExpectations(t)
	pusher.AssertExpectations(t)

	payload := pusher.Calls[0].Arguments.Get(2).(signaling.MessagePayload)
	assert.Equal(t, domain.ID("acc-1"), payload.ContextID())
}

func TestSendMessage_PreviewFailureStillDelivers(t *testing.T) {
	chats := new(MockChatRepository)
	msgs := new(MockMessageRepository)
	pusher := new(MockPusher)
	s := newTestService(chats, msgs, pusher)

	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now)
	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil)
	msgs.On("Save", mock.Anything, mock.Anything).Return(nil)
	chats.On("UpdateLastMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout"))
	pusher.On("Push", mock.Anything, signaling.EventNewMessage, mock.Anything)

	_, err := s.SendMessage(context.Background(), host, chat.ChatID, "Yes")
	require.NoError(t, err)
	pusher.AssertNumberOfCalls(t, "Push", 2)
}

func TestSendMessage_Rejections(t *testing.T) {
	chats := new(MockChatRepository)
	msgs := new(MockMessageRepository)
	s := newTestService(chats, msgs, nil)

	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now)
	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil)

	_, err := s.SendMessage(context.Background(), guest, chat.ChatID, "   ")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = s.SendMessage(context.Background(), guest, chat.ChatID, strings.Repeat("a", 4001))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = s.SendMessage(context.Background(), uuid.New(), chat.ChatID, "hello")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	msgs.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSendMessage_UnknownChat(t *testing.T) {
	chats := new(MockChatRepository)
	s := newTestService(chats, new(MockMessageRepository), nil)
	id := uuid.New()
	chats.On("GetByID", mock.Anything, id).Return(nil, apperrors.ChatNotFoundError())

	_, err := s.SendMessage(context.Background(), uuid.New(), id, "hello")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChatNotFound))
}

func message(chatID uuid.UUID, text string, at time.Time) *domain.Message {
	return &domain.Message{MessageID: uuid.New(), ChatID: chatID, Content: text, CreatedAt: at}
}

func TestGetMessages_WalksBucketsAndReturnsChronological(t *testing.T) {
	chats := new(MockChatRepository)
	msgs := new(MockMessageRepository)
	s := newTestService(chats, msgs, nil)

	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil)

	oct := []*domain.Message{
		message(chat.ChatID, "oct-2", now.Add(-time.Hour)),
		message(chat.ChatID, "oct-1", now.Add(-2*time.Hour)),
	}
	sep := []*domain.Message{
		message(chat.ChatID, "sep-2", now.AddDate(0, -1, 0)),
		message(chat.ChatID, "sep-1", now.AddDate(0, -1, -1)),
	}
	msgs.On("ListByChat", mock.Anything, chat.ChatID, 202610, 3, []byte(nil)).Return(oct, nil, nil)
	msgs.On("ListByChat", mock.Anything, chat.ChatID, 202609, 1, []byte(nil)).Return(sep[:1], []byte("p1"), nil)

	page, err := s.GetMessages(context.Background(), guest, chat.ChatID, 3, "")
	require.NoError(t, err)

	texts := []string{}
	for _, m := range page.Messages {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"sep-2", "oct-1", "oct-2"}, texts)
	require.True(t, page.HasMore)

	cursor, err := pagination.DecodeCursor(page.NextPageState)
	require.NoError(t, err)
	assert.Equal(t, 202609, cursor.Bucket)
	assert.Equal(t, []byte("p1"), cursor.State)

	// The next page resumes inside September and ends at the creation bucket
	msgs.On("ListByChat", mock.Anything, chat.ChatID, 202609, 3, []byte("p1")).Return(sep[1:], nil, nil)
	page, err = s.GetMessages(context.Background(), guest, chat.ChatID, 3, page.NextPageState)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "sep-1", page.Messages[0].Text)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextPageState)
}

func TestGetMessages_BadTokenAndOutsider(t *testing.T) {
	chats := new(MockChatRepository)
	s := newTestService(chats, new(MockMessageRepository), nil)
	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now)
	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil)

	_, err := s.GetMessages(context.Background(), guest, chat.ChatID, 10, "garbage")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = s.GetMessages(context.Background(), uuid.New(), chat.ChatID, 10, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestListChats(t *testing.T) {
	chats := new(MockChatRepository)
	s := newTestService(chats, new(MockMessageRepository), nil)
	guest, host := uuid.New(), uuid.New()
	chats.On("ListForUser", mock.Anything, host, 100).Return([]*domain.Chat{testChat(guest, host, now)}, nil)

	views, err := s.ListChats(context.Background(), host)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.IDFromUUID(guest), views[0].CounterpartID)
}

func TestParticipantLookupIsCached(t *testing.T) {
	chats := new(MockChatRepository)
	msgs := new(MockMessageRepository)
	s := newTestService(chats, msgs, nil)

	guest, host := uuid.New(), uuid.New()
	chat := testChat(guest, host, now)
	chats.On("GetByID", mock.Anything, chat.ChatID).Return(chat, nil).Once()
	msgs.On("Save", mock.Anything, mock.Anything).Return(nil)
	chats.On("UpdateLastMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	for _, sender := range []uuid.UUID{guest, host, guest} {
		_, err := s.SendMessage(context.Background(), sender, chat.ChatID, "ping")
		require.NoError(t, err)
	}
	chats.AssertNumberOfCalls(t, "GetByID", 1)
}
