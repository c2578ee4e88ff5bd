// Package model wraps hosted LLM providers behind a single Client interface.
//
// A Client turns an ordered message history into one assistant reply, either
// blocking (Generate) or as a lazy fragment stream (Stream). Streams are
// finite and cannot be restarted; concatenating every fragment yields the
// complete reply.
//
// Providers: groq and openai (openai-go), anthropic (anthropic-sdk-go),
// gemini (google.golang.org/genai) and echo, an offline provider for local
// development. NewClient builds a provider from Config and wraps it with a
// per-call timeout and metrics.
package model
