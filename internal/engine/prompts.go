package engine

import (
	"fmt"
	"strings"
)

const (
	// transcriptBudget caps how much of a transcript the summary prompt
	// carries; anything longer is cut mid-stream with a marker.
	transcriptBudget = 20000

	// consolidationBudget caps the combined summary block fed into report
	// generation.
	consolidationBudget = 60000

	truncationMarker = "\n\n[... truncated ...]"
)

func truncateText(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	return s[:budget] + truncationMarker
}

const summarySystem = "You are a research assistant who writes faithful, information-dense summaries of video transcripts. Work only from the transcript; never invent facts."

func summaryPrompt(query string, item ContentItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic: %s\n\n", query)
	fmt.Fprintf(&b, "Video: %s\nAuthor: %s\nURL: %s\n\n", item.Title, item.Author, item.URL)
	b.WriteString("Summarize the transcript below with a focus on the research topic. ")
	b.WriteString("Cover the main claims, concrete facts, numbers, and any step-by-step instructions. ")
	b.WriteString("Use short paragraphs or bullet points. Answer in the language of the transcript.\n\n")
	b.WriteString("Transcript:\n")
	b.WriteString(truncateText(item.Transcript, transcriptBudget))
	return b.String()
}

const reportSystem = "You are a research analyst who consolidates per-video summaries into one coherent markdown report. Cite videos by their number. Never invent content that is not in the summaries."

func reportPrompt(query string, items []ContentItem) string {
	var block strings.Builder
	for i, item := range items {
		fmt.Fprintf(&block, "### Video %d: %s\nAuthor: %s\nURL: %s\n\n%s\n\n", i+1, item.Title, item.Author, item.URL, item.Summary)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic: %s\n\n", query)
	fmt.Fprintf(&b, "Below are summaries of %d videos. Write a consolidated markdown research report: ", len(items))
	b.WriteString("start with a short executive overview, then organized thematic sections comparing what the videos agree and disagree on, then practical takeaways. ")
	b.WriteString("Reference videos as [Video N]. Answer in the dominant language of the summaries.\n\n")
	b.WriteString(truncateText(block.String(), consolidationBudget))
	return b.String()
}

// agentSystemPrompt instructs the model to reply in the fixed
// Thought/Action/Action Input text format the loop parser understands.
func agentSystemPrompt(query, platformName string, target int) string {
	var b strings.Builder
	b.WriteString("You are an autonomous video research agent. You investigate a topic by searching a video platform, extracting transcripts, summarizing them, and finally producing a report.\n\n")
	fmt.Fprintf(&b, "Topic: %s\nPlatform: %s\nTarget: summaries for %d videos.\n\n", query, platformName, target)
	b.WriteString("Available actions:\n")
	b.WriteString("- search: find videos. Input: the search query string.\n")
	b.WriteString("- extract: fetch the transcript of one found video. Input: the video id.\n")
	b.WriteString("- summarize: summarize one extracted video. Input: the video id.\n")
	b.WriteString("- report: produce the final report from all summaries. Input: none.\n\n")
	b.WriteString("Respond in exactly this format:\n")
	b.WriteString("Thought: <your reasoning>\n")
	b.WriteString("Action: <one of search|extract|summarize|report>\n")
	b.WriteString("Action Input: <the input, or empty>\n\n")
	b.WriteString("After each action you receive an Observation. Call report once you have enough summaries, and only then.")
	return b.String()
}
