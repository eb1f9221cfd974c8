// Package switchboard attributes an inbound event to zero or one existing
// jorb. Free-text senders carry no task identifier, so attribution is a
// contact match when unambiguous and an oracle classification otherwise.
package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/orchestrator/oracle"
	"jorbd/app/pkg/metrics"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// IncomingEvent is one debounced inbound message burst from a channel
// adapter. MessageCount is how many raw messages were folded into it.
type IncomingEvent struct {
	Channel      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    int64
	MessageCount int
}

type Decision struct {
	JorbID         string
	Confidence     Confidence
	Reasoning      string
	MightBeNewTask bool
}

// Matched reports whether the decision is strong enough to continue an
// existing jorb. Low confidence is deliberately treated as no match.
func (d Decision) Matched() bool {
	return d.JorbID != "" && (d.Confidence == ConfidenceHigh || d.Confidence == ConfidenceMedium)
}

type messageReader interface {
	GetMessages(ctx context.Context, jorbID string, limit int, offset int) ([]jorb.Message, error)
}

type Switchboard struct {
	oracle  oracle.Oracle
	store   messageReader
	timeout time.Duration
}

func New(orc oracle.Oracle, store messageReader, timeoutSec int) *Switchboard {
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return &Switchboard{
		oracle:  orc,
		store:   store,
		timeout: time.Duration(timeoutSec) * time.Second,
	}
}

// Route decides which candidate jorb, if any, an inbound event belongs to.
// When exactly one open candidate lists the sender as a contact the match is
// immediate; with zero or several contact matches the oracle classifies the
// event against each candidate's plan and recent conversation.
func (s *Switchboard) Route(ctx context.Context, event IncomingEvent, candidates []jorb.Jorb) Decision {
	if len(candidates) == 0 {
		return Decision{Confidence: ConfidenceLow, Reasoning: "no open jorbs"}
	}

	sender := jorb.NormalizeIdentifier(event.Sender)
	var contactMatches []string
	for _, candidate := range candidates {
		for _, c := range candidate.Contacts {
			if jorb.NormalizeIdentifier(c.Identifier) == sender {
				contactMatches = append(contactMatches, candidate.ID)
				break
			}
		}
	}
	if len(contactMatches) == 1 {
		return Decision{
			JorbID:     contactMatches[0],
			Confidence: ConfidenceHigh,
			Reasoning:  "sender is a contact of exactly one open jorb",
		}
	}

	return s.classify(ctx, event, candidates)
}

type classification struct {
	JorbID         string `json:"task_id"`
	Confidence     string `json:"confidence"`
	Reasoning      string `json:"reasoning"`
	MightBeNewTask bool   `json:"might_be_new_task"`
}

func (s *Switchboard) classify(ctx context.Context, event IncomingEvent, candidates []jorb.Jorb) Decision {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.OracleCalls.WithLabelValues("route").Inc()
	resp, err := s.oracle.Complete(ctx, oracle.Request{
		System: "You are a strict message router for an autonomous task agent. Return JSON only.",
		Prompt: s.buildPrompt(ctx, event, candidates),
	})
	if err != nil {
		metrics.OracleFailures.WithLabelValues("route").Inc()
		log.Printf("[Switchboard] classification failed: %v", err)
		return Decision{
			Confidence:     ConfidenceLow,
			Reasoning:      fmt.Sprintf("routing unavailable: %v", err),
			MightBeNewTask: true,
		}
	}

	payload, err := oracle.ExtractJSONObject(resp.Text)
	if err != nil {
		return Decision{
			Confidence:     ConfidenceLow,
			Reasoning:      "routing reply was not JSON",
			MightBeNewTask: true,
		}
	}
	var parsed classification
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return Decision{
			Confidence:     ConfidenceLow,
			Reasoning:      "routing reply could not be parsed",
			MightBeNewTask: true,
		}
	}

	decision := Decision{
		JorbID:         strings.TrimSpace(parsed.JorbID),
		Confidence:     Confidence(strings.ToLower(strings.TrimSpace(parsed.Confidence))),
		Reasoning:      parsed.Reasoning,
		MightBeNewTask: parsed.MightBeNewTask,
	}
	switch decision.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		decision.Confidence = ConfidenceLow
	}
	if decision.JorbID != "" && !hasCandidate(candidates, decision.JorbID) {
		decision.JorbID = ""
		decision.Confidence = ConfidenceLow
		decision.Reasoning = "router named an unknown jorb id"
	}
	if decision.Confidence == ConfidenceLow {
		decision.JorbID = ""
	}
	return decision
}

func (s *Switchboard) buildPrompt(ctx context.Context, event IncomingEvent, candidates []jorb.Jorb) string {
	var b strings.Builder
	b.WriteString("Decide which in-flight task an incoming message belongs to, if any.\n\n")
	b.WriteString("JSON schema:\n")
	b.WriteString(`{"task_id":"optional","confidence":"high|medium|low","reasoning":"short","might_be_new_task":false}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- If uncertain, use confidence=low and leave task_id empty.\n")
	b.WriteString("- If task_id is set it must be one of the candidate ids.\n")
	b.WriteString("- might_be_new_task=true means the message reads like a request to start new work, not a reply to listed tasks.\n\n")
	b.WriteString("Incoming message:\n")
	b.WriteString(fmt.Sprintf("channel: %s\nsender: %s", event.Channel, event.Sender))
	if event.SenderName != "" {
		b.WriteString(fmt.Sprintf(" (%s)", event.SenderName))
	}
	b.WriteString(fmt.Sprintf("\ncontent: %s\n\n", event.Content))
	b.WriteString("Candidate tasks:\n")
	for _, candidate := range candidates {
		b.WriteString(fmt.Sprintf("- id=%s name=%q status=%s\n", candidate.ID, candidate.Name, candidate.Status))
		b.WriteString(fmt.Sprintf("  plan: %s\n", firstLine(candidate.OriginalPlan)))
		if candidate.ProgressSummary != "" {
			b.WriteString(fmt.Sprintf("  progress: %s\n", firstLine(candidate.ProgressSummary)))
		}
		if s.store != nil {
			if msgs, err := s.store.GetMessages(ctx, candidate.ID, 3, 0); err == nil {
				for _, m := range msgs {
					b.WriteString(fmt.Sprintf("  recent %s: %s\n", m.Direction, firstLine(m.Content)))
				}
			}
		}
	}
	return b.String()
}

func hasCandidate(candidates []jorb.Jorb, jorbID string) bool {
	for _, c := range candidates {
		if c.ID == jorbID {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if runes := []rune(text); len(runes) > 200 {
		text = string(runes[:200])
	}
	return text
}
