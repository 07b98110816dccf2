package app

import (
	"strings"

	"docchat/pkg/domain"
)

// HistoryWindow is the number of most recent messages sent with each prompt.
const HistoryWindow = 10

const instructionSuffix = "Please provide a helpful and accurate response based on the document content and conversation history. " +
	"If the question is not related to the document, politely guide the user back to document-related questions."

// BuildPrompt assembles the completion prompt from document text, the
// history window, and the new question. Empty blocks are omitted.
func BuildPrompt(documentText string, history []domain.Message, question string) string {
	var sb strings.Builder
	if documentText != "" {
		sb.WriteString("Document content:\n")
		sb.WriteString(documentText)
		sb.WriteString("\n\n")
	}
	if len(history) > 0 {
		sb.WriteString("Conversation history:\n")
		for _, msg := range history {
			sb.WriteString(speaker(msg.Sender))
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("User question: ")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString(instructionSuffix)
	return sb.String()
}

// historyWindow returns the last HistoryWindow messages in their original order.
func historyWindow(messages []domain.Message) []domain.Message {
	if len(messages) <= HistoryWindow {
		return messages
	}
	return messages[len(messages)-HistoryWindow:]
}

func speaker(sender domain.Sender) string {
	if sender == domain.SenderUser {
		return "User"
	}
	return "Assistant"
}
