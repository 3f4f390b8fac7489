// Package attach ingests player-uploaded text files: it extracts the raw
// text from an upload and, when the text would not fit the model context,
// compresses it into a token-budgeted summary through the completion
// provider. The summary replaces the upload in the player's action.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Attachment is a surface-agnostic view of one uploaded file. Discord and
// test surfaces adapt their own attachment types to it.
type Attachment interface {
	Filename() string
	Size() int64
	Read(ctx context.Context) ([]byte, error)
}

// Completion is the narrow completion port summarization needs.
type Completion interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error)
}

// CompletionFunc adapts a function to the [Completion] interface.
type CompletionFunc func(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error)

// Complete implements [Completion].
func (f CompletionFunc) Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, system, prompt, maxTokens, temperature)
}

// Progress receives human-readable status lines during a long summarization,
// for surfaces that show an in-progress indicator. May be nil.
type Progress func(ctx context.Context, message string)

// Config bounds attachment processing. The zero value is unusable; use
// [DefaultConfig].
type Config struct {
	// MaxBytes rejects uploads larger than this before reading them.
	MaxBytes int64

	// ChunkTokens is the minimum size of one summarization chunk.
	ChunkTokens int

	// ModelCtxTokens is the context window the final text must fit, after
	// subtracting PromptOverheadTokens and ResponseReserveTokens.
	ModelCtxTokens int

	// PromptOverheadTokens reserves room for the system prompt and briefing.
	PromptOverheadTokens int

	// ResponseReserveTokens reserves room for the model's reply.
	ResponseReserveTokens int

	// MaxParallel caps concurrent chunk summarization calls.
	MaxParallel int

	// GuardToken is the terminator the summarization prompt asks for; its
	// presence distinguishes a complete summary from a truncated one.
	GuardToken string

	// MaxChunks bounds how many chunks a text is split into.
	MaxChunks int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxBytes:              500_000,
		ChunkTokens:           2_000,
		ModelCtxTokens:        200_000,
		PromptOverheadTokens:  6_000,
		ResponseReserveTokens: 4_000,
		MaxParallel:           4,
		GuardToken:            "--COMPLETED SUMMARY--",
		MaxChunks:             8,
	}
}

func (c Config) budgetTokens() int {
	return c.ModelCtxTokens - c.PromptOverheadTokens - c.ResponseReserveTokens
}

// TokenCounter estimates how many model tokens a string costs. It should not
// undercount.
type TokenCounter func(text string) int

// HeuristicTokens is the default counter: roughly four characters per token.
func HeuristicTokens(text string) int { return len(text) / 4 }

// ExtractText returns the text of the first .txt attachment, or "" when no
// usable attachment exists. Oversized uploads return the literal
// "ERROR:File too large (...)" string so surfaces can echo it to the player
// without a second size check.
func ExtractText(ctx context.Context, attachments []Attachment, cfg Config, log *slog.Logger) string {
	if log == nil {
		log = slog.Default()
	}

	var txt Attachment
	for _, att := range attachments {
		if strings.HasSuffix(strings.ToLower(att.Filename()), ".txt") {
			txt = att
			break
		}
	}
	if txt == nil {
		return ""
	}

	if size := txt.Size(); size > cfg.MaxBytes {
		return fmt.Sprintf("ERROR:File too large (%dKB, limit %dKB)", size/1024, cfg.MaxBytes/1024)
	}

	raw, err := txt.Read(ctx)
	if err != nil {
		log.WarnContext(ctx, "attachment read failed", "filename", txt.Filename(), "error", err)
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(raw), "�"))
}

// Summarizer compresses long attachment text into the prompt token budget.
type Summarizer struct {
	completion Completion
	tokens     TokenCounter
	cfg        Config
	log        *slog.Logger
}

// Option configures a [Summarizer].
type Option func(*Summarizer)

// WithTokenCounter overrides the token estimator.
func WithTokenCounter(tc TokenCounter) Option {
	return func(s *Summarizer) { s.tokens = tc }
}

// WithConfig overrides the processing limits.
func WithConfig(cfg Config) Option {
	return func(s *Summarizer) { s.cfg = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Summarizer) { s.log = log }
}

// NewSummarizer returns a Summarizer using completion for chunk summaries.
func NewSummarizer(completion Completion, opts ...Option) *Summarizer {
	s := &Summarizer{
		completion: completion,
		tokens:     HeuristicTokens,
		cfg:        DefaultConfig(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize returns text unchanged when it fits the token budget, otherwise a
// chunked map-reduce summary: each chunk is summarized in parallel, oversized
// summaries are condensed, and the result is hard-truncated as a last resort.
// An empty return means every chunk summary failed; the caller should proceed
// without the attachment.
func (s *Summarizer) Summarize(ctx context.Context, text string, progress Progress) (string, error) {
	cfg := s.cfg
	budget := cfg.budgetTokens()
	guard := cfg.GuardToken

	totalTokens := s.tokens(text)
	targetChunkTokens := max(cfg.ChunkTokens, totalTokens/cfg.MaxChunks)
	charsPerTok := float64(len(text)) / float64(max(totalTokens, 1))
	chunkCharTarget := int(float64(targetChunkTokens) * charsPerTok)

	chunks := splitParagraphChunks(text, chunkCharTarget)
	if len(chunks) == 0 {
		return "", nil
	}
	if len(chunks) == 1 && s.tokens(chunks[0]) <= budget {
		return chunks[0], nil
	}

	total := len(chunks)
	s.log.InfoContext(ctx, "summarizing attachment",
		"text_len", len(text), "total_tokens", totalTokens,
		"chunk_char_target", chunkCharTarget, "chunks", total)
	s.notify(ctx, progress, fmt.Sprintf("Summarising uploaded file... [0/%d]", total))

	summaryMaxTokens := min(1500, max(800, targetChunkTokens/4))
	system := "Summarise the following text passage for a text-adventure campaign. " +
		"Preserve all character names, plot points, locations, and key events. " +
		"Be detailed but concise. End with the exact line: " + guard

	summaries := make([]string, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxParallel)
	for i, chunk := range chunks {
		g.Go(func() error {
			summaries[i] = s.summarizeChunk(gctx, system, chunk, summaryMaxTokens)
			s.notify(gctx, progress, fmt.Sprintf("Summarising uploaded file... [%d/%d]", i+1, total))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	kept := summaries[:0]
	for _, sum := range summaries {
		if sum != "" {
			kept = append(kept, sum)
		}
	}
	if len(kept) == 0 {
		s.log.ErrorContext(ctx, "all attachment chunk summaries failed")
		s.notify(ctx, progress, "Summary failed - continuing without attachment.")
		return "", nil
	}
	summaries = kept

	joined := strings.Join(summaries, "\n\n")
	if joinedTokens := s.tokens(joined); joinedTokens <= budget {
		s.log.InfoContext(ctx, "attachment summary complete",
			"tokens", joinedTokens, "chars", len(joined))
		s.notify(ctx, progress, fmt.Sprintf("Summary complete. (%d tokens from %dKB file)", joinedTokens, len(text)/1024))
		return joined, nil
	}

	condensed, err := s.condense(ctx, summaries, budget, charsPerTok, progress)
	if err != nil {
		return "", err
	}

	joined = strings.Join(condensed, "\n\n")
	joinedTokens := s.tokens(joined)
	if joinedTokens > budget {
		maxChars := int(float64(budget) * charsPerTok * 0.9)
		if len(joined) > maxChars {
			const suffix = "... [truncated]"
			joined = joined[:maxChars-len(suffix)] + suffix
			joinedTokens = s.tokens(joined)
		}
	}

	s.log.InfoContext(ctx, "attachment summary complete",
		"tokens", joinedTokens, "chars", len(joined), "chunks", total)
	s.notify(ctx, progress, fmt.Sprintf("Summary complete. (%d tokens from %dKB file)", joinedTokens, len(text)/1024))
	return joined, nil
}

// summarizeChunk asks the model once, retries once if the guard token is
// missing, and returns "" on failure.
func (s *Summarizer) summarizeChunk(ctx context.Context, system, chunk string, maxTokens int) string {
	guard := s.cfg.GuardToken
	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.completion.Complete(ctx, system, chunk, maxTokens, 0.3)
		if err != nil {
			s.log.WarnContext(ctx, "chunk summarization failed", "error", err)
			return ""
		}
		result = strings.TrimSpace(result)
		if strings.Contains(result, guard) || attempt == 1 {
			if !strings.Contains(result, guard) {
				s.log.WarnContext(ctx, "guard token still missing, accepting as-is")
			}
			return strings.TrimSpace(strings.ReplaceAll(result, guard, ""))
		}
		s.log.WarnContext(ctx, "guard token missing, retrying chunk")
	}
	return ""
}

// condense shrinks summaries over their per-summary share of the budget. A
// failed condensation keeps the original summary.
func (s *Summarizer) condense(ctx context.Context, summaries []string, budget int, charsPerTok float64, progress Progress) ([]string, error) {
	targetTokensPer := budget / len(summaries)
	targetCharsPer := int(float64(targetTokensPer) * charsPerTok)

	var over []int
	for i, sum := range summaries {
		if s.tokens(sum) > targetTokensPer {
			over = append(over, i)
		}
	}
	if len(over) == 0 {
		return summaries, nil
	}
	sort.Slice(over, func(a, b int) bool {
		return s.tokens(summaries[over[a]]) > s.tokens(summaries[over[b]])
	})

	s.notify(ctx, progress, fmt.Sprintf("Condensing summaries... [0/%d]", len(over)))
	system := fmt.Sprintf(
		"Condense this summary to roughly %d tokens (~%d characters) "+
			"while preserving all character names, plot points, and locations. End with: %s",
		targetTokensPer, targetCharsPer, s.cfg.GuardToken)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for n, i := range over {
		g.Go(func() error {
			result, err := s.completion.Complete(gctx, system, summaries[i], targetTokensPer+50, 0.2)
			if err != nil {
				s.log.WarnContext(gctx, "condensation failed", "error", err)
				return nil
			}
			result = strings.TrimSpace(strings.ReplaceAll(result, s.cfg.GuardToken, ""))
			if result != "" {
				summaries[i] = result
			}
			s.notify(gctx, progress, fmt.Sprintf("Condensing summaries... [%d/%d]", n+1, len(over)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Summarizer) notify(ctx context.Context, progress Progress, message string) {
	if progress == nil {
		return
	}
	progress(ctx, message)
}

// splitParagraphChunks groups blank-line-separated paragraphs into chunks of
// roughly charTarget characters, never splitting inside a paragraph.
func splitParagraphChunks(text string, charTarget int) []string {
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current []string
	currentLen := 0
	for _, para := range paragraphs {
		if currentLen+len(para)+2 > charTarget && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			current = []string{para}
			currentLen = len(para)
			continue
		}
		current = append(current, para)
		currentLen += len(para) + 2
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}
	return chunks
}
