package dispatch

import (
	"fmt"
	"strings"

	"github.com/courierai/courier/internal/conversation"
	"github.com/courierai/courier/internal/inference"
)

const systemPrompt = "You are a helpful assistant reachable over chat. " +
	"Answer concisely and honestly. When earlier attachment analyses are " +
	"provided, use them to answer follow-up questions about those attachments."

const describeImagePrompt = "Describe this image in detail."

const documentPromptFormat = "The user sent a document%s. Its extracted text follows. " +
	"Summarize it and answer any question from the caption.\n\n%s"

// buildTextMessages assembles the prompt for a plain text message,
// folding the most recent attachment analyses in as context so follow-up
// questions about an earlier image or document can be answered.
func buildTextMessages(text string, analyses []conversation.AttachmentAnalysis) []inference.Message {
	msgs := []inference.Message{{Role: "system", Content: systemPrompt}}
	if len(analyses) > 0 {
		var sb strings.Builder
		sb.WriteString("Earlier attachment analyses in this conversation, newest first:\n")
		for i, a := range analyses {
			caption := ""
			if a.Caption != "" {
				caption = fmt.Sprintf(" (caption: %q)", a.Caption)
			}
			fmt.Fprintf(&sb, "%d. [%s]%s %s\n", i+1, a.Kind, caption, a.Result)
		}
		msgs = append(msgs, inference.Message{Role: "system", Content: sb.String()})
	}
	msgs = append(msgs, inference.Message{Role: "user", Content: text})
	return msgs
}

// imageAnalysisPrompt returns the user prompt for describing an image,
// preferring the user's caption over the generic instruction.
func imageAnalysisPrompt(caption string) string {
	if strings.TrimSpace(caption) != "" {
		return caption
	}
	return describeImagePrompt
}

// documentAnalysisPrompt returns the user prompt for analyzing extracted
// document text.
func documentAnalysisPrompt(caption, text string) string {
	suffix := ""
	if strings.TrimSpace(caption) != "" {
		suffix = fmt.Sprintf(" with the caption %q", caption)
	}
	return fmt.Sprintf(documentPromptFormat, suffix, text)
}
