package guide

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
)

// Prompt is one user turn handed to the responder.
type Prompt struct {
	UserID    string
	SessionID string
	RoomID    string
	Message   string
}

// Chunk is one staged piece of a guidance reply. Exactly one aspect is set
// per chunk: Papers for a literature attachment, Text for reply content at
// the given status, or Status alone for a bare lifecycle update. Typing
// text is a delta appended to the reply so far; ready text is the complete
// reply and replaces it.
type Chunk struct {
	Text   string
	Status domain.MessageStatus
	Papers []domain.Paper
}

// Responder produces the staged reply for a prompt.
// The iterator yields chunks until the turn is complete; a yielded error
// aborts the turn. Implementations must honor ctx cancellation between
// stages.
type Responder interface {
	Respond(ctx context.Context, p Prompt) iter.Seq2[*Chunk, error]
}

// ScriptedResponder replays canned health-guidance turns with realistic
// pacing. Each turn moves through the full lifecycle: a processing status,
// partial typing text, a papers attachment, then the final ready message.
type ScriptedResponder struct {
	// StageDelay is the pause between consecutive stages. Zero disables
	// pacing, which tests rely on.
	StageDelay time.Duration
}

// Ensure ScriptedResponder implements Responder.
var _ Responder = (*ScriptedResponder)(nil)

// Respond selects a script by keyword and replays it stage by stage.
func (sr *ScriptedResponder) Respond(ctx context.Context, p Prompt) iter.Seq2[*Chunk, error] {
	script := scriptFor(p.Message)
	return func(yield func(*Chunk, error) bool) {
		for i := range script {
			if i > 0 && sr.StageDelay > 0 {
				t := time.NewTimer(sr.StageDelay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield(nil, ctx.Err())
					return
				case <-t.C:
				}
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(&script[i], nil) {
				return
			}
		}
	}
}

// script builds the standard stage sequence for a reply: processing status,
// two typing deltas, the papers attachment, then the final ready text.
// Typing chunks carry only the newly produced text; the ready chunk
// restates the whole reply.
func script(opening, full string, papers []domain.Paper) []Chunk {
	return []Chunk{
		{Status: domain.StatusProcessing},
		{Text: opening, Status: domain.StatusTyping},
		{Text: strings.TrimPrefix(full, opening), Status: domain.StatusTyping},
		{Papers: papers},
		{Text: full, Status: domain.StatusReady},
	}
}

var (
	hydrationScript = script(
		"Staying hydrated matters most when",
		"Staying hydrated matters most when you are losing fluids faster than usual. Aim for small, regular sips of water through the day rather than large amounts at once, and watch for dark urine as an early sign you are behind. This is general guidance, not a diagnosis.",
		[]domain.Paper{
			{Title: "Water, hydration, and health", URL: "https://pubmed.ncbi.nlm.nih.gov/20646222/", Source: "Nutrition Reviews"},
			{Title: "Hydration assessment in adults", URL: "https://pubmed.ncbi.nlm.nih.gov/25946184/", Source: "Clinical Nutrition"},
		},
	)

	sleepScript = script(
		"Most adults do best with",
		"Most adults do best with seven to nine hours of sleep on a consistent schedule. Keeping wake time fixed, limiting screens in the last hour, and keeping the room cool are the changes with the strongest evidence. If poor sleep persists beyond a few weeks, raise it with a clinician. This is general guidance, not a diagnosis.",
		[]domain.Paper{
			{Title: "Sleep duration recommendations", URL: "https://pubmed.ncbi.nlm.nih.gov/29073412/", Source: "Sleep Health"},
		},
	)

	feverScript = script(
		"A fever is usually the body doing",
		"A fever is usually the body doing its job. Rest, fluids, and light clothing help; fever reducers are reasonable for comfort. Seek care promptly for a temperature above 39.4C that does not respond to medication, a stiff neck, confusion, or trouble breathing. This is general guidance, not a diagnosis.",
		[]domain.Paper{
			{Title: "Fever management in adults", URL: "https://pubmed.ncbi.nlm.nih.gov/26436473/", Source: "BMJ"},
			{Title: "Antipyretic therapy review", URL: "https://pubmed.ncbi.nlm.nih.gov/21357334/", Source: "American Family Physician"},
		},
	)

	defaultScript = script(
		"Thanks for sharing that. Based on",
		"Thanks for sharing that. Based on what you described, start with rest, regular fluids, and keeping track of how symptoms change over the next day or two. If anything worsens suddenly or you feel unsure, contact a clinician rather than waiting. This is general guidance, not a diagnosis.",
		[]domain.Paper{
			{Title: "Self-care for common symptoms", URL: "https://pubmed.ncbi.nlm.nih.gov/24474434/", Source: "BMJ"},
		},
	)
)

func scriptFor(message string) []Chunk {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "hydrat") || strings.Contains(m, "water") || strings.Contains(m, "thirst"):
		return hydrationScript
	case strings.Contains(m, "sleep") || strings.Contains(m, "insomnia") || strings.Contains(m, "tired"):
		return sleepScript
	case strings.Contains(m, "fever") || strings.Contains(m, "temperature"):
		return feverScript
	default:
		return defaultScript
	}
}
