// Package agent drives the jorb lifecycle: it turns inbound events into
// task progress, creates catch-up jorbs for trusted but unmatched senders,
// flags strangers for review, and advances conversations one oracle turn at
// a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/orchestrator/oracle"
	"jorbd/app/core/orchestrator/switchboard"
	"jorbd/app/core/transport"
	"jorbd/app/pkg/metrics"
)

const (
	ActionContinued        = "continued"
	ActionCatchUpCreated   = "catch_up_created"
	ActionFlaggedForReview = "flagged_for_review"
	ActionKickedOff        = "kicked_off"
	ActionDiscardedEcho    = "discarded_echo"
	ActionNone             = "none"
)

// catchUpPersonality is the fixed decision style for auto-created
// context-recovery jorbs.
const catchUpPersonality = "context-recovery"

// tokenCostUSD is a blended per-token rate used for the estimated_cost
// counter. It is bookkeeping, not billing.
const tokenCostUSD = 3.0 / 1e6

// ErrRateLimited means a jorb tried to send more outbound messages in an
// hour than its policy allows. The jorb is auto-paused for human review.
var ErrRateLimited = errors.New("agent: outbound rate limit exceeded")

type Result struct {
	Success     bool
	ActionTaken string
	JorbID      string
	MessageSent bool
	Err         error
}

type Config struct {
	Name               string
	EchoWindowSec      int
	StaleAfterHours    int
	MaxLifetimeDays    int
	MaxMessagesPerHour int
	RecentMessageLimit int
	OracleTimeoutSec   int

	// OwnerRecipient, when set, receives review flags directly over
	// OwnerChannel in addition to the notification sink.
	OwnerRecipient string
	OwnerChannel   string
}

type outboundSender interface {
	Send(ctx context.Context, channel string, recipient string, content string) (transport.SendResult, error)
}

type Runner struct {
	mu         sync.RWMutex
	cfg        Config
	store      *jorb.Store
	board      *switchboard.Switchboard
	oracle     oracle.Oracle
	sender     outboundSender
	notifier   transport.NotificationSink
	onActivity func()
	now        func() int64
}

func NewRunner(cfg Config, store *jorb.Store, board *switchboard.Switchboard, orc oracle.Oracle, sender outboundSender, notifier transport.NotificationSink) *Runner {
	if cfg.EchoWindowSec <= 0 {
		cfg.EchoWindowSec = 5
	}
	if cfg.StaleAfterHours <= 0 {
		cfg.StaleAfterHours = 24
	}
	if cfg.MaxLifetimeDays <= 0 {
		cfg.MaxLifetimeDays = 7
	}
	if cfg.MaxMessagesPerHour <= 0 {
		cfg.MaxMessagesPerHour = 20
	}
	if cfg.OwnerRecipient != "" && cfg.OwnerChannel == "" {
		cfg.OwnerChannel = "sms"
	}
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 20
	}
	if cfg.OracleTimeoutSec <= 0 {
		cfg.OracleTimeoutSec = 60
	}
	return &Runner{
		cfg:      cfg,
		store:    store,
		board:    board,
		oracle:   orc,
		sender:   sender,
		notifier: notifier,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// SetActivityRecorder wires the context compactor's activity signal.
func (r *Runner) SetActivityRecorder(record func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onActivity = record
}

// SetClock overrides the runner's time source. Tests only.
func (r *Runner) SetClock(now func() int64) {
	r.now = now
}

func (r *Runner) recordActivity() {
	r.mu.RLock()
	record := r.onActivity
	r.mu.RUnlock()
	if record != nil {
		record()
	}
}

// ProcessIncomingMessage is the inbound entry point. Echoes of our own
// outbound messages are discarded, matched events continue their jorb, and
// unmatched events either become a catch-up jorb (trusted sender) or a
// review flag (everyone else). Unidentified senders never cause a jorb to
// be created.
func (r *Runner) ProcessIncomingMessage(ctx context.Context, event switchboard.IncomingEvent) Result {
	if event.Timestamp == 0 {
		event.Timestamp = r.now()
	}

	echo, err := r.store.IsOwnOutboundEcho(ctx, event.Content, event.Timestamp, int64(r.cfg.EchoWindowSec))
	if err != nil {
		return Result{ActionTaken: ActionNone, Err: fmt.Errorf("echo check: %w", err)}
	}
	if echo {
		metrics.EchoesSuppressed.Inc()
		log.Printf("[Agent] discarding inbound echo from %s", event.Sender)
		return Result{Success: true, ActionTaken: ActionDiscardedEcho}
	}

	metrics.MessagesInbound.Inc()

	candidates, err := r.store.ListJorbs(ctx, jorb.FilterOpen)
	if err != nil {
		return Result{ActionTaken: ActionNone, Err: fmt.Errorf("list open jorbs: %w", err)}
	}

	decision := r.board.Route(ctx, event, candidates)
	if decision.Matched() {
		matched, err := r.store.GetJorb(ctx, decision.JorbID)
		if err != nil {
			return Result{ActionTaken: ActionNone, Err: err}
		}
		log.Printf("[Agent] routed message from %s to jorb %s (%s confidence)", event.Sender, matched.ID, decision.Confidence)
		result := r.ProcessJorbEvent(ctx, matched, &event)
		result.ActionTaken = ActionContinued
		return result
	}

	trusted, err := r.IsTrustedSender(ctx, event.Sender)
	if err != nil {
		return Result{ActionTaken: ActionNone, Err: fmt.Errorf("trusted sender check: %w", err)}
	}
	if trusted && !decision.MightBeNewTask {
		return r.createCatchUpJorb(ctx, event)
	}

	return r.flagForReview(ctx, event, decision)
}

// IsTrustedSender reports whether the identifier has appeared as a contact
// on any jorb, ever. Closed jorbs count: history with us is what makes a
// sender trusted.
func (r *Runner) IsTrustedSender(ctx context.Context, identifier string) (bool, error) {
	return r.store.HasContact(ctx, identifier)
}

func (r *Runner) createCatchUpJorb(ctx context.Context, event switchboard.IncomingEvent) Result {
	name := "Catch-up: " + contentPreview(event.Content, 30)
	plan := "Recover context: " + event.Content
	contact := jorb.Contact{
		Identifier: event.Sender,
		Channel:    event.Channel,
		Name:       event.SenderName,
	}

	created, err := r.store.CreateJorb(ctx, name, plan, []jorb.Contact{contact}, catchUpPersonality)
	if err != nil {
		return Result{ActionTaken: ActionNone, Err: fmt.Errorf("create catch-up jorb: %w", err)}
	}

	running := jorb.StatusRunning
	if err := r.store.UpdateJorb(ctx, created.ID, jorb.Patch{Status: &running}); err != nil {
		return Result{ActionTaken: ActionNone, JorbID: created.ID, Err: err}
	}

	if _, err := r.store.AddMessage(ctx, jorb.Message{
		JorbID:     created.ID,
		Timestamp:  event.Timestamp,
		Direction:  jorb.DirectionInbound,
		Channel:    event.Channel,
		Sender:     event.Sender,
		SenderName: event.SenderName,
		Content:    event.Content,
	}); err != nil {
		return Result{ActionTaken: ActionNone, JorbID: created.ID, Err: err}
	}
	r.recordActivity()

	log.Printf("[Agent] created catch-up jorb %s for trusted sender %s", created.ID, event.Sender)

	created.Status = jorb.StatusRunning
	kickoff := r.KickoffJorb(ctx, created)
	return Result{
		Success:     kickoff.Success,
		ActionTaken: ActionCatchUpCreated,
		JorbID:      created.ID,
		MessageSent: kickoff.MessageSent,
		Err:         kickoff.Err,
	}
}

func (r *Runner) flagForReview(ctx context.Context, event switchboard.IncomingEvent, decision switchboard.Decision) Result {
	subject := fmt.Sprintf("Unrecognized message on %s", event.Channel)
	body := fmt.Sprintf("From: %s", event.Sender)
	if event.SenderName != "" {
		body += fmt.Sprintf(" (%s)", event.SenderName)
	}
	body += fmt.Sprintf("\nMessage: %s\nRouting: %s", event.Content, decision.Reasoning)

	ownerReached := false
	if r.cfg.OwnerRecipient != "" && r.sender != nil {
		sent, err := r.sender.Send(ctx, r.cfg.OwnerChannel, r.cfg.OwnerRecipient, subject+"\n"+body)
		if err != nil {
			log.Printf("[Agent] review flag to owner failed: %v", err)
		} else {
			ownerReached = sent.Success
		}
	}

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, subject, body); err != nil {
			log.Printf("[Agent] review notification failed: %v", err)
			if !ownerReached {
				return Result{ActionTaken: ActionFlaggedForReview, Err: err}
			}
		}
	}
	return Result{Success: true, ActionTaken: ActionFlaggedForReview}
}

// KickoffJorb produces and sends a jorb's first outbound message from its
// plan.
func (r *Runner) KickoffJorb(ctx context.Context, j jorb.Jorb) Result {
	if len(j.Contacts) == 0 {
		return Result{ActionTaken: ActionKickedOff, JorbID: j.ID, Err: fmt.Errorf("jorb %s has no contacts", j.ID)}
	}
	contact := j.Contacts[0]

	resp, err := r.callOracle(ctx, "kickoff", oracle.Request{
		System: r.turnSystemPrompt(j),
		Prompt: r.kickoffPrompt(j),
	})
	if err != nil {
		r.recordFailure(ctx, j, fmt.Sprintf("Kickoff failed: %v", err))
		return Result{ActionTaken: ActionKickedOff, JorbID: j.ID, Err: err}
	}
	r.addUsage(ctx, j.ID, resp.TokensUsed)

	var parsed struct {
		Message   string `json:"message"`
		Reasoning string `json:"reasoning"`
	}
	if payload, perr := oracle.ExtractJSONObject(resp.Text); perr == nil {
		_ = json.Unmarshal([]byte(payload), &parsed)
	}
	if strings.TrimSpace(parsed.Message) == "" {
		parsed.Message = strings.TrimSpace(resp.Text)
	}
	if parsed.Message == "" {
		err := fmt.Errorf("kickoff produced no message")
		r.recordFailure(ctx, j, err.Error())
		return Result{ActionTaken: ActionKickedOff, JorbID: j.ID, Err: err}
	}

	if err := r.sendAndRecord(ctx, j, contact, parsed.Message, parsed.Reasoning); err != nil {
		r.recordFailure(ctx, j, fmt.Sprintf("Kickoff send failed: %v", err))
		return Result{ActionTaken: ActionKickedOff, JorbID: j.ID, Err: err}
	}

	return Result{Success: true, ActionTaken: ActionKickedOff, JorbID: j.ID, MessageSent: true}
}

// turnDecision is the oracle's answer for one agent turn.
type turnDecision struct {
	Action           string `json:"action"`
	Message          string `json:"message"`
	Reasoning        string `json:"reasoning"`
	ProgressUpdate   string `json:"progress_update"`
	NeedsApprovalFor string `json:"needs_approval_for"`
	PausedReason     string `json:"paused_reason"`
	Outcome          string `json:"outcome"`
	WaitSeconds      int64  `json:"wait_seconds"`
}

// ProcessJorbEvent advances one jorb by a single oracle turn. A nil event
// means the scheduler woke the jorb without new human input. Every outcome
// is persisted before returning.
func (r *Runner) ProcessJorbEvent(ctx context.Context, j jorb.Jorb, event *switchboard.IncomingEvent) Result {
	if event != nil {
		if _, err := r.store.AddMessage(ctx, jorb.Message{
			JorbID:     j.ID,
			Timestamp:  event.Timestamp,
			Direction:  jorb.DirectionInbound,
			Channel:    event.Channel,
			Sender:     event.Sender,
			SenderName: event.SenderName,
			Content:    event.Content,
		}); err != nil {
			return Result{JorbID: j.ID, Err: fmt.Errorf("persist inbound message: %w", err)}
		}
		r.recordActivity()
	}

	history, err := r.store.GetMessages(ctx, j.ID, r.cfg.RecentMessageLimit, 0)
	if err != nil {
		return Result{JorbID: j.ID, Err: err}
	}

	resp, err := r.callOracle(ctx, "turn", oracle.Request{
		System: r.turnSystemPrompt(j),
		Prompt: r.turnPrompt(j, history, event),
	})
	if err != nil {
		r.recordFailure(ctx, j, fmt.Sprintf("Processing failed: %v", err))
		return Result{JorbID: j.ID, Err: err}
	}
	r.addUsage(ctx, j.ID, resp.TokensUsed)

	payload, err := oracle.ExtractJSONObject(resp.Text)
	if err != nil {
		r.recordFailure(ctx, j, "Processing failed: oracle reply was not JSON")
		return Result{JorbID: j.ID, Err: err}
	}
	var decision turnDecision
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		r.recordFailure(ctx, j, "Processing failed: oracle reply could not be parsed")
		return Result{JorbID: j.ID, Err: err}
	}

	return r.applyTurn(ctx, j, decision)
}

func (r *Runner) applyTurn(ctx context.Context, j jorb.Jorb, decision turnDecision) Result {
	result := Result{JorbID: j.ID}
	patch := jorb.Patch{}

	if update := strings.TrimSpace(decision.ProgressUpdate); update != "" {
		progress := appendEntry(j.ProgressSummary, update)
		patch.ProgressSummary = &progress
	}

	sendIfAny := func() error {
		if strings.TrimSpace(decision.Message) == "" || len(j.Contacts) == 0 {
			return nil
		}
		if err := r.sendAndRecord(ctx, j, j.Contacts[0], decision.Message, decision.Reasoning); err != nil {
			return err
		}
		result.MessageSent = true
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(decision.Action)) {
	case "send_message":
		if err := sendIfAny(); err != nil {
			r.recordFailure(ctx, j, fmt.Sprintf("Send failed: %v", err))
			result.Err = err
			return result
		}
		if !result.MessageSent {
			err := fmt.Errorf("send_message turn produced no message")
			r.recordFailure(ctx, j, err.Error())
			result.Err = err
			return result
		}

	case "pause":
		if err := sendIfAny(); err != nil {
			r.recordFailure(ctx, j, fmt.Sprintf("Send failed: %v", err))
			result.Err = err
			return result
		}
		paused := jorb.StatusPaused
		patch.Status = &paused
		patch.NeedsApprovalFor = &decision.NeedsApprovalFor
		patch.PausedReason = &decision.PausedReason

	case "complete":
		if err := sendIfAny(); err != nil {
			r.recordFailure(ctx, j, fmt.Sprintf("Send failed: %v", err))
			result.Err = err
			return result
		}
		complete := jorb.StatusComplete
		patch.Status = &complete
		patch.Outcome = &jorb.Outcome{Result: decision.Outcome, CompletedAt: r.now()}
		if j.Awaiting != "" {
			// never strand an awaiting marker on a terminal row
			patch.ClearAwaiting()
		}

	case "fail":
		if err := sendIfAny(); err != nil {
			log.Printf("[Agent] jorb %s failure notice not delivered: %v", j.ID, err)
		}
		failed := jorb.StatusFailed
		patch.Status = &failed
		patch.Outcome = &jorb.Outcome{FailureReason: decision.Outcome, CompletedAt: r.now()}
		if j.Awaiting != "" {
			patch.ClearAwaiting()
		}

	case "continue":
		// an active awaiting marker owns wake_at; the worker's poll cadence
		// must not be overridden by a conversational turn
		if decision.WaitSeconds > 0 && j.Awaiting == "" {
			wakeAt := r.now() + decision.WaitSeconds
			patch.WakeAt = &wakeAt
		}

	default:
		err := fmt.Errorf("oracle chose unknown action %q", decision.Action)
		r.recordFailure(ctx, j, fmt.Sprintf("Processing failed: %v", err))
		result.Err = err
		return result
	}

	if err := r.store.UpdateJorb(ctx, j.ID, patch); err != nil {
		result.Err = err
		return result
	}
	result.Success = true
	return result
}

func (r *Runner) sendAndRecord(ctx context.Context, j jorb.Jorb, contact jorb.Contact, content string, reasoning string) error {
	if r.sender == nil {
		return fmt.Errorf("no outbound sender configured")
	}
	if err := r.checkSendRateLimit(ctx, j); err != nil {
		return err
	}
	sent, err := r.sender.Send(ctx, contact.Channel, contact.Identifier, content)
	if err != nil {
		return err
	}
	if !sent.Success {
		return fmt.Errorf("send to %s on %s was not accepted", contact.Identifier, contact.Channel)
	}

	metrics.MessagesOutbound.Inc()
	if _, err := r.store.AddMessage(ctx, jorb.Message{
		JorbID:    j.ID,
		Direction: jorb.DirectionOutbound,
		Channel:   contact.Channel,
		Recipient: contact.Identifier,
		Content:   content,
		Reasoning: reasoning,
	}); err != nil {
		return err
	}
	r.recordActivity()
	return nil
}

// checkSendRateLimit bounds how fast one jorb can message humans. On a
// violation the jorb is auto-paused for review; the counter is backed by the
// message log so it survives restarts.
func (r *Runner) checkSendRateLimit(ctx context.Context, j jorb.Jorb) error {
	count, err := r.store.CountOutboundMessagesSince(ctx, j.ID, r.now()-3600)
	if err != nil {
		return err
	}
	if count < int64(r.cfg.MaxMessagesPerHour) {
		return nil
	}

	paused := jorb.StatusPaused
	reason := fmt.Sprintf("Rate limit exceeded (%d/hour)", r.cfg.MaxMessagesPerHour)
	approvalFor := "resume"
	if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
		Status:           &paused,
		PausedReason:     &reason,
		NeedsApprovalFor: &approvalFor,
	}); err != nil {
		log.Printf("[Agent] could not pause rate-limited jorb %s: %v", j.ID, err)
	}
	log.Printf("[Agent] jorb %s exceeded %d messages/hour, pausing", j.ID, r.cfg.MaxMessagesPerHour)
	return fmt.Errorf("%w: %d messages in the last hour", ErrRateLimited, count)
}

func (r *Runner) callOracle(ctx context.Context, purpose string, req oracle.Request) (oracle.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.OracleTimeoutSec)*time.Second)
	defer cancel()

	metrics.OracleCalls.WithLabelValues(purpose).Inc()
	resp, err := r.oracle.Complete(ctx, req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues(purpose).Inc()
	}
	return resp, err
}

func (r *Runner) addUsage(ctx context.Context, jorbID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	if err := r.store.AddUsage(ctx, jorbID, tokens, float64(tokens)*tokenCostUSD); err != nil {
		log.Printf("[Agent] usage accounting failed for %s: %v", jorbID, err)
	}
}

// recordFailure appends the failure to the jorb's progress narrative so an
// operator can see why it stalled.
func (r *Runner) recordFailure(ctx context.Context, j jorb.Jorb, note string) {
	progress := appendEntry(j.ProgressSummary, note)
	if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{ProgressSummary: &progress}); err != nil {
		log.Printf("[Agent] could not record failure on %s: %v", j.ID, err)
	}
}

func (r *Runner) turnSystemPrompt(j jorb.Jorb) string {
	var b strings.Builder
	b.WriteString("You are " + r.cfg.Name + ", an autonomous assistant working a long-lived task over messaging channels.\n")
	if j.Personality != "" {
		b.WriteString("Decision style: " + j.Personality + ".\n")
	}
	b.WriteString("Pause for approval before spending money or making commitments.\n")
	b.WriteString("Always answer with a single JSON object and nothing else.")
	return b.String()
}

func (r *Runner) kickoffPrompt(j jorb.Jorb) string {
	var b strings.Builder
	b.WriteString("Write the first message to send to the task's contact to get it moving.\n\n")
	b.WriteString("JSON schema:\n")
	b.WriteString(`{"message":"text to send","reasoning":"short"}`)
	b.WriteString("\n\nTask name: " + j.Name + "\n")
	b.WriteString("Goal: " + j.OriginalPlan + "\n")
	if len(j.Contacts) > 0 {
		c := j.Contacts[0]
		b.WriteString(fmt.Sprintf("Contact: %s via %s\n", displayName(c), c.Channel))
	}
	return b.String()
}

func (r *Runner) turnPrompt(j jorb.Jorb, history []jorb.Message, event *switchboard.IncomingEvent) string {
	var b strings.Builder
	b.WriteString("Advance this task by exactly one step.\n\n")
	b.WriteString("JSON schema:\n")
	b.WriteString(`{"action":"send_message|pause|complete|fail|continue","message":"optional text to send","reasoning":"short","progress_update":"optional note for the task narrative","needs_approval_for":"required when pausing","paused_reason":"optional","outcome":"required for complete/fail","wait_seconds":0}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- pause when the next step spends money or commits to something on the human's behalf.\n")
	b.WriteString("- continue with wait_seconds when there is nothing to say and you expect a reply or an external result later.\n\n")
	b.WriteString("Task name: " + j.Name + "\n")
	b.WriteString("Goal: " + j.OriginalPlan + "\n")
	b.WriteString("Status: " + string(j.Status) + "\n")
	if j.ProgressSummary != "" {
		b.WriteString("Progress so far:\n" + j.ProgressSummary + "\n")
	}
	if j.Awaiting != "" {
		b.WriteString("Waiting on external operation: " + j.Awaiting + "\n")
	}
	b.WriteString("\nRecent conversation:\n")
	if len(history) == 0 {
		b.WriteString("- none yet\n")
	}
	for _, m := range history {
		who := m.Sender
		if m.Direction == jorb.DirectionOutbound {
			who = r.cfg.Name
		}
		b.WriteString(fmt.Sprintf("- [%s] %s: %s\n", m.Direction, who, m.Content))
	}
	if event != nil {
		b.WriteString("\nNew inbound message (already shown last above) arrived from " + event.Sender)
		if event.MessageCount > 1 {
			b.WriteString(fmt.Sprintf(" (%d messages merged)", event.MessageCount))
		}
		b.WriteString(".\n")
	} else {
		b.WriteString("\nNo new inbound message; you were woken by the scheduler.\n")
	}
	return b.String()
}

func appendEntry(progress string, entry string) string {
	entry = strings.TrimSpace(entry)
	if progress == "" {
		return entry
	}
	return progress + "\n" + entry
}

func displayName(c jorb.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Identifier
}

// contentPreview shortens content for a jorb name without cutting a word or
// a rune in half.
func contentPreview(content string, max int) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}
