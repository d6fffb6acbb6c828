// Package notifications delivers workflow milestones to operators and
// originators.
//
// The ntfy-backed Service publishes batch and import milestones to the topic
// configured in config.toml and degrades to a no-op when no topic is set.
// Originator sends the single completion message an import owes to whoever
// started it; workflow code falls back to the Service when that delivery
// fails.
package notifications
