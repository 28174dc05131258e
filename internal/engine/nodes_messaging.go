package engine

import (
	"context"
	"fmt"
	"time"

	"opsflow/internal/errors"
	"opsflow/internal/models"
	"opsflow/internal/textutil"
)

// EMAIL, SMS, ACTION and DELAY interpreters. Messaging nodes resolve their
// templates against the execution context, fall back to payload-derived
// recipients and degrade to SKIPPED instead of failing when no recipient can
// be determined.

func (e *Engine) runEmailNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.EmailConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid email config: %v", err)
	}
	return e.sendEmail(ctx, rt, node.NodeID, cfg, ev, loop)
}

func (e *Engine) sendEmail(ctx context.Context, rt *runtime, nodeID string, cfg models.EmailConfig, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	vc := rt.varContext(ev, loop, e.clock.Now().UTC())

	to := vc.ResolveString(cfg.To)
	if to == "" || !looksLikeEmail(to) {
		to = extractEmailRecipient(ev.Module, ev.Payload, vc.User)
	}
	if to == "" {
		return models.JSONB{
			"skipped": true,
			"reason":  "no recipient email could be determined",
		}, models.NodeStatusSkipped, nil
	}

	msg := EmailMessage{
		To:        to,
		Subject:   vc.ResolveString(cfg.Subject),
		HTMLBody:  vc.ResolveString(cfg.Body),
		FromName:  cfg.FromName,
		FromEmail: cfg.FromEmail,
		ReplyTo:   cfg.ReplyTo,
	}
	msg.TextBody = textutil.StripHTML(msg.HTMLBody)

	res, err := e.email.Send(ctx, msg)
	if err != nil {
		return nil, "", errors.NewTransient(fmt.Errorf("send email to %s: %w", to, err))
	}
	out := models.JSONB{
		"to":      to,
		"subject": msg.Subject,
	}
	if res.MessageID != "" {
		out["messageId"] = res.MessageID
	}
	if res.Skipped {
		out["skipped"] = true
		out["reason"] = "email adapter not configured"
		return out, "", nil
	}
	if !res.Success {
		return nil, "", errors.NewTransient(fmt.Errorf("send email to %s: %s", to, res.Error))
	}
	out["sent"] = true
	return out, "", nil
}

func (e *Engine) runSMSNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.SMSConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid sms config: %v", err)
	}
	return e.sendSMS(ctx, rt, node.NodeID, cfg, ev, loop)
}

func (e *Engine) sendSMS(ctx context.Context, rt *runtime, nodeID string, cfg models.SMSConfig, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	vc := rt.varContext(ev, loop, e.clock.Now().UTC())

	to := vc.ResolveString(cfg.To)
	if to == "" {
		to = extractPhoneRecipient(ev.Payload)
	}
	if to == "" {
		return models.JSONB{
			"skipped": true,
			"reason":  "no recipient phone number could be determined",
		}, models.NodeStatusSkipped, nil
	}

	msg := SMSMessage{
		To:         to,
		Message:    textutil.StripHTML(vc.ResolveString(cfg.Message)),
		FromNumber: cfg.FromNumber,
		MediaURL:   cfg.MediaURL,
	}

	res, err := e.sms.Send(ctx, msg)
	if err != nil {
		return nil, "", errors.NewTransient(fmt.Errorf("send sms to %s: %w", to, err))
	}
	out := models.JSONB{"to": to}
	if res.MessageSID != "" {
		out["messageSid"] = res.MessageSID
	}
	if res.Status != "" {
		out["deliveryStatus"] = res.Status
	}
	if res.Skipped {
		// Unconfigured SMS is a non-event, not a failure.
		out["skipped"] = true
		out["reason"] = "sms adapter not configured"
		return out, "", nil
	}
	if !res.Success {
		return nil, "", errors.NewTransient(fmt.Errorf("send sms to %s: %s", to, res.Error))
	}
	out["sent"] = true
	return out, "", nil
}

// runActionNode executes the email and/or SMS sub-actions attached to an
// ACTION node. A node with neither sub-action is a no-op that still
// completes.
func (e *Engine) runActionNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	out := models.JSONB{"executed": true}
	ran := false

	if len(node.EmailAction) > 0 {
		var cfg models.EmailConfig
		if err := node.EmailAction.Decode(&cfg); err != nil {
			return nil, "", errors.NewDefinitionError(node.NodeID, "invalid email action: %v", err)
		}
		emailOut, _, err := e.sendEmail(ctx, rt, node.NodeID, cfg, ev, loop)
		if err != nil {
			return nil, "", err
		}
		out["email"] = map[string]any(emailOut)
		ran = true
	}

	if len(node.SMSAction) > 0 {
		var cfg models.SMSConfig
		if err := node.SMSAction.Decode(&cfg); err != nil {
			return nil, "", errors.NewDefinitionError(node.NodeID, "invalid sms action: %v", err)
		}
		smsOut, _, err := e.sendSMS(ctx, rt, node.NodeID, cfg, ev, loop)
		if err != nil {
			return nil, "", err
		}
		out["sms"] = map[string]any(smsOut)
		ran = true
	}

	if !ran {
		out["noop"] = true
	}
	return out, "", nil
}

// runDelayNode sleeps for config.delayMs (default 1000ms), honoring
// cancellation and the node timeout.
func (e *Engine) runDelayNode(ctx context.Context, node *models.WorkflowNode) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.DelayConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid delay config: %v", err)
	}
	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	if cfg.DelayMs <= 0 {
		delay = time.Second
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	return models.JSONB{"delayed": true, "delayMs": delay.Milliseconds()}, "", nil
}
