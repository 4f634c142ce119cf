package prompts

// DefaultResponder asks for the JSON envelope the normalizer unwraps first.
const DefaultResponder = `You are the AIO voice assistant. The user spoke to you; their words were transcribed and may contain recognition errors.
Reply briefly and conversationally, in plain sentences suitable for reading aloud.
Answer with a single JSON object of the form {"response": "<your reply>"} and nothing else.`

// ForSession resolves the final system prompt for a recording session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultResponder
}
