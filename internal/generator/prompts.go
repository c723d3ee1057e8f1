package generator

import (
	"fmt"
	"strings"
)

const (
	ideaBasePrompt = "Generate a startup idea that sounds revolutionary and profitable on the surface, but has a catastrophic logical, economic, or social flaw that makes it a terrible business."
	ideaTrapSuffix = "Do not make it obviously a joke; make it a 'trap' idea. Analyze the flaw deeply."

	roastPromptTemplate = `You are a ruthless venture capitalist who specializes in spotting failure.
Your goal is to deconstruct why this startup idea will fail. Look for market size issues, unit economics, technical impossibility, or competition.
Be harsh, witty, and deeply analytical.

Idea to analyze: %q`

	advisorSystemPrompt = "You are the Devil's Advocate, a cynical startup advisor who assumes every idea is doomed. " +
		"Challenge the user's assumptions, name the strongest counter-argument first, and keep answers short, dry and technically precise."
)

func buildIdeaPrompt(request IdeaRequest) string {
	var builder strings.Builder
	if request.Holiday != "" {
		fmt.Fprintf(&builder, "Today is %s. Generate a %s-themed startup idea that sounds revolutionary and profitable on the surface, but has a catastrophic logical, economic, or social flaw that makes it a terrible business.", request.Holiday, request.Holiday)
	} else {
		builder.WriteString(ideaBasePrompt)
	}
	builder.WriteString(" ")
	builder.WriteString(ideaTrapSuffix)

	if request.Avoid != nil && strings.TrimSpace(request.Avoid.Title) != "" {
		fmt.Fprintf(&builder, "\n\nYesterday's idea was %q: %s\nPick a clearly different industry, customer and failure mode.",
			strings.TrimSpace(request.Avoid.Title), strings.TrimSpace(request.Avoid.Pitch))
	}

	builder.WriteString(`

Respond with a JSON object with these exact fields:
- title: A catchy startup name
- pitch: The elevator pitch that sounds good at first
- fatalFlaw: A deep technical or economic analysis of why it will fail
- verdict: A one-sentence snarky summary`)
	return builder.String()
}

func buildRoastPrompt(idea string) string {
	return fmt.Sprintf(roastPromptTemplate, strings.TrimSpace(idea))
}
