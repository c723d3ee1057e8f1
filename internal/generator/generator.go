package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
)

var (
	// ErrUpstream marks failures talking to the generative text backend.
	ErrUpstream = errors.New("generator: upstream generation failed")
	// ErrEmptyResponse indicates the backend answered without usable text.
	ErrEmptyResponse = errors.New("generator: empty response")
	// ErrInvalidPrompt indicates the caller supplied no prompt text.
	ErrInvalidPrompt = errors.New("generator: prompt required")
)

// Idea is the structured payload produced for a daily bad idea.
type Idea struct {
	Title     string `json:"title"`
	Pitch     string `json:"pitch"`
	FatalFlaw string `json:"fatalFlaw"`
	Verdict   string `json:"verdict"`
}

// Complete reports whether every field carries text.
func (idea Idea) Complete() bool {
	return strings.TrimSpace(idea.Title) != "" &&
		strings.TrimSpace(idea.Pitch) != "" &&
		strings.TrimSpace(idea.FatalFlaw) != "" &&
		strings.TrimSpace(idea.Verdict) != ""
}

// PreviousIdea is the novelty constraint handed to the generator.
type PreviousIdea struct {
	Title string
	Pitch string
}

// IdeaRequest describes one daily idea generation.
type IdeaRequest struct {
	Date    calendar.DateKey
	Seed    int64
	Holiday string
	Avoid   *PreviousIdea
}

// NewIdeaRequest fills seed and holiday metadata for date.
func NewIdeaRequest(date calendar.DateKey, avoid *PreviousIdea) IdeaRequest {
	return IdeaRequest{
		Date:    date,
		Seed:    calendar.Seed(date),
		Holiday: calendar.Holiday(date),
		Avoid:   avoid,
	}
}

// ChatRole enumerates the speakers in an advisor conversation.
type ChatRole string

const (
	ChatRoleUser  ChatRole = "user"
	ChatRoleModel ChatRole = "model"
)

// ChatTurn is a single prior message in an advisor conversation.
type ChatTurn struct {
	Role ChatRole `json:"role"`
	Text string   `json:"text"`
}

// TextStream yields text fragments in production order. Next returns io.EOF once the
// upstream finished. Close releases the upstream connection and is safe to call twice.
type TextStream interface {
	Next() (string, error)
	Close() error
}

// IdeaGenerator produces structured daily ideas.
type IdeaGenerator interface {
	GenerateIdea(ctx context.Context, request IdeaRequest) (Idea, error)
}

// Roaster produces a roast for a user-submitted idea.
type Roaster interface {
	RoastIdea(ctx context.Context, idea string) (string, error)
}

// Advisor streams one advisor-chat turn.
type Advisor interface {
	StreamAdvice(ctx context.Context, history []ChatTurn, message string) (TextStream, error)
}
