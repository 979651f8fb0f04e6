// Package disaster holds the domain types shared by every stage of the
// aftershock pipeline: raw feed entries, LLM-extracted details and the
// grouped members handed to summarization.
package disaster
