package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rvickery/taleturn/internal/attach"
	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
)

// identityProvider keys Discord users in the actor external-ref table.
const identityProvider = "discord"

// maxMessageLen is Discord's message content limit.
const maxMessageLen = 2000

// turnTimeout bounds one turn resolution, completion call included.
const turnTimeout = 2 * time.Minute

// Messenger is the slice of the discordgo session the surface needs to post
// and edit channel messages. *discordgo.Session satisfies it.
type Messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Surface turns channel messages into engine turns. Each guild channel hosts
// one campaign: the campaign name is the channel id, namespaced by the guild.
type Surface struct {
	engine     *engine.Engine
	messenger  Messenger
	summarizer *attach.Summarizer
	attachCfg  attach.Config
	log        *slog.Logger
}

// SurfaceOption configures a [Surface].
type SurfaceOption func(*Surface)

// WithSummarizer enables attachment summarization for oversized uploads.
func WithSummarizer(s *attach.Summarizer) SurfaceOption {
	return func(sf *Surface) { sf.summarizer = s }
}

// WithAttachConfig overrides the attachment processing limits.
func WithAttachConfig(cfg attach.Config) SurfaceOption {
	return func(sf *Surface) { sf.attachCfg = cfg }
}

// WithSurfaceLogger overrides the default logger.
func WithSurfaceLogger(log *slog.Logger) SurfaceOption {
	return func(sf *Surface) { sf.log = log }
}

// NewSurface returns a Surface resolving turns through eng and posting
// through messenger.
func NewSurface(eng *engine.Engine, messenger Messenger, opts ...SurfaceOption) *Surface {
	sf := &Surface{
		engine:    eng,
		messenger: messenger,
		attachCfg: attach.DefaultConfig(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(sf)
	}
	return sf
}

// HandleMessage resolves one player message as a turn and posts the
// narration as a reply. Register it via [Bot.OnMessage].
func (sf *Surface) HandleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	action := strings.TrimSpace(m.Content)
	notes, errText := sf.attachmentNotes(ctx, m)
	if errText != "" {
		sf.reply(m, errText)
		return
	}
	if notes != "" {
		action = strings.TrimSpace(action + "\n\n[Uploaded notes]\n" + notes)
	}
	if action == "" {
		return
	}

	actor, err := sf.engine.EnsureActor(ctx, identityProvider, m.Author.ID, m.Author.Username)
	if err != nil {
		sf.log.ErrorContext(ctx, "actor provisioning failed", "user_id", m.Author.ID, "error", err)
		sf.reply(m, "Something went wrong setting up your character. Try again.")
		return
	}

	campaign, err := sf.engine.GetOrCreateCampaign(ctx, m.GuildID, m.ChannelID, actor.ID)
	if err != nil {
		sf.log.ErrorContext(ctx, "campaign lookup failed", "channel_id", m.ChannelID, "error", err)
		sf.reply(m, "Something went wrong loading the campaign. Try again.")
		return
	}

	res, err := sf.engine.ResolveTurn(ctx, engine.ResolveTurnInput{
		CampaignID: campaign.ID,
		ActorID:    actor.ID,
		SessionID:  m.ChannelID,
		Action:     action,
	})
	if err != nil {
		sf.reply(m, turnErrorText(err))
		return
	}

	first := sf.postNarration(m, res.Narration)
	if first == "" {
		return
	}
	if err := sf.engine.RegisterNarrationMessage(ctx, campaign.ID, res.NarrationTurnID, first, m.ID, m.ChannelID, ""); err != nil {
		sf.log.WarnContext(ctx, "narration message registration failed",
			"campaign_id", campaign.ID, "turn_id", res.NarrationTurnID, "error", err)
	}
}

// attachmentNotes extracts and, when needed, summarizes the first .txt
// attachment. The second return is a player-facing error string.
func (sf *Surface) attachmentNotes(ctx context.Context, m *discordgo.MessageCreate) (string, string) {
	if len(m.Attachments) == 0 {
		return "", ""
	}

	atts := make([]attach.Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = &messageAttachment{att: a}
	}

	text := attach.ExtractText(ctx, atts, sf.attachCfg, sf.log)
	if strings.HasPrefix(text, "ERROR:") {
		return "", strings.TrimPrefix(text, "ERROR:")
	}
	if text == "" || sf.summarizer == nil {
		return text, ""
	}

	summary, err := sf.summarizer.Summarize(ctx, text, func(_ context.Context, msg string) {
		sf.reply(m, msg)
	})
	if err != nil {
		sf.log.WarnContext(ctx, "attachment summarization failed", "error", err)
		return "", ""
	}
	return summary, ""
}

// postNarration splits the narration into Discord-sized messages, posting the
// first as a reply to the player's message. Returns the first posted message
// id, or "" when posting failed entirely.
func (sf *Surface) postNarration(m *discordgo.MessageCreate, narration string) string {
	chunks := SplitMessage(narration, maxMessageLen)
	if len(chunks) == 0 {
		return ""
	}

	first, err := sf.messenger.ChannelMessageSendReply(m.ChannelID, chunks[0], m.Reference())
	if err != nil {
		sf.log.Error("narration post failed", "channel_id", m.ChannelID, "err", err)
		return ""
	}
	for _, chunk := range chunks[1:] {
		if _, err := sf.messenger.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			sf.log.Error("narration continuation post failed", "channel_id", m.ChannelID, "err", err)
			break
		}
	}
	return first.ID
}

func (sf *Surface) reply(m *discordgo.MessageCreate, content string) {
	if _, err := sf.messenger.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		sf.log.Error("reply failed", "channel_id", m.ChannelID, "err", err)
	}
}

// turnErrorText maps engine errors to player-facing text.
func turnErrorText(err error) string {
	switch {
	case errors.Is(err, game.ErrLeaseHeld):
		return "Your previous action is still resolving. Give it a moment."
	case errors.Is(err, game.ErrCASConflict):
		return "The world shifted while your action resolved. Try again."
	case errors.Is(err, game.ErrBadModelOutput):
		return "The narrator lost the thread of the story. Try again."
	default:
		return "The story stumbled. Try again in a moment."
	}
}

// SplitMessage breaks content into chunks of at most limit runes, preferring
// newline boundaries.
func SplitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimSpace(content[:cut]))
		content = strings.TrimSpace(content[cut:])
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// messageAttachment adapts a discordgo message attachment to the attach port,
// downloading the file content from Discord's CDN on demand.
type messageAttachment struct {
	att *discordgo.MessageAttachment
}

func (a *messageAttachment) Filename() string { return a.att.Filename }
func (a *messageAttachment) Size() int64      { return int64(a.att.Size) }

func (a *messageAttachment) Read(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
