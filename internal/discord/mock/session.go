// Package mock provides test doubles for Discord surface testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// SentMessage is one recorded channel post.
type SentMessage struct {
	ChannelID string
	Content   string

	// ReplyToID is the referenced message id for replies, "" for plain posts.
	ReplyToID string
}

// MessageRecorder records channel message sends. It satisfies the surface's
// Messenger interface and is safe for concurrent use.
type MessageRecorder struct {
	mu     sync.Mutex
	sent   []SentMessage
	nextID int

	// Err is returned by every send when non-nil, allowing error injection.
	Err error
}

// ChannelMessageSend records a plain post.
func (m *MessageRecorder) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return m.record(channelID, content, "")
}

// ChannelMessageSendReply records a reply post.
func (m *MessageRecorder) ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	replyTo := ""
	if reference != nil {
		replyTo = reference.MessageID
	}
	return m.record(channelID, content, replyTo)
}

func (m *MessageRecorder) record(channelID, content, replyTo string) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, Content: content, ReplyToID: replyTo})
	m.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("mock-msg-%d", m.nextID), ChannelID: channelID}, nil
}

// Sent returns a copy of all recorded posts in order.
func (m *MessageRecorder) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Last returns the most recently recorded post, or a zero value.
func (m *MessageRecorder) Last() SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}
	}
	return m.sent[len(m.sent)-1]
}
