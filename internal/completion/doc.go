// Package completion calls a language model to produce agent replies.
//
// Completer is the interface agent workers depend on. OpenAIClient implements
// it against any OpenAI-compatible chat completions endpoint; the default is
// DeepSeek's deepseek-chat. Only the reply text is used by the agent loop;
// requested tool calls are returned for callers that want them.
package completion
