// Package lifecycle drives conversations through active, waiting and
// finished in response to gateway messages and workflow checkpoints.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/flowgate/internal/alert"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/evolution"
	"github.com/zulandar/flowgate/internal/lock"
	"github.com/zulandar/flowgate/internal/logger"
	"github.com/zulandar/flowgate/internal/models"
	"github.com/zulandar/flowgate/internal/monitor"
	"github.com/zulandar/flowgate/internal/n8n"
	"github.com/zulandar/flowgate/internal/phone"
	"github.com/zulandar/flowgate/internal/pool"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCheckpoint means a required checkpoint field is missing.
	ErrInvalidCheckpoint = errors.New("lifecycle: phone_number and action are required")
	// ErrInvalidAction means the checkpoint action is not pause, continue or
	// finish.
	ErrInvalidAction = errors.New("lifecycle: invalid action")
)

// alertTimeout bounds one background alert delivery.
const alertTimeout = 15 * time.Second

// Notifier delivers events to the workflow engine.
type Notifier interface {
	Send(ctx context.Context, ev n8n.Event) error
}

// Sender delivers text messages through a gateway instance.
type Sender interface {
	SendText(ctx context.Context, instanceID, number, text string) error
}

// Config wires a Controller.
type Config struct {
	Store    *conversation.Store
	Pool     *pool.Allocator
	Locks    lock.Locker
	Notifier Notifier
	Sender   Sender
	Stats    *monitor.Stats
	Alerter  alert.Alerter // optional

	Flow        string
	InitialStep string
	TTL         time.Duration
	Location    *time.Location
}

// Controller applies inbound messages and checkpoints to conversations.
type Controller struct {
	store    *conversation.Store
	pool     *pool.Allocator
	locks    lock.Locker
	notifier Notifier
	sender   Sender
	stats    *monitor.Stats
	alerter  alert.Alerter

	flow        string
	initialStep string
	ttl         time.Duration
	loc         *time.Location
	now         func() time.Time
}

// New returns a Controller. Unset locks, stats and options get defaults.
func New(cfg Config) *Controller {
	c := &Controller{
		store:       cfg.Store,
		pool:        cfg.Pool,
		locks:       cfg.Locks,
		notifier:    cfg.Notifier,
		sender:      cfg.Sender,
		stats:       cfg.Stats,
		alerter:     cfg.Alerter,
		flow:        cfg.Flow,
		initialStep: cfg.InitialStep,
		ttl:         cfg.TTL,
		loc:         cfg.Location,
		now:         time.Now,
	}
	if c.locks == nil {
		c.locks = lock.NewLocal()
	}
	if c.stats == nil {
		c.stats = monitor.NewStats()
	}
	if c.flow == "" {
		c.flow = "fluxo_principal"
	}
	if c.initialStep == "" {
		c.initialStep = "start"
	}
	if c.ttl <= 0 {
		c.ttl = 24 * time.Hour
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	return c
}

// Stats returns the controller's event counters.
func (c *Controller) Stats() *monitor.Stats { return c.stats }

// Outcome says what an inbound message did.
type Outcome string

const (
	OutcomeIgnored       Outcome = "ignored"
	OutcomeOutbound      Outcome = "outbound"
	OutcomeNewLead       Outcome = "new"
	OutcomeResumed       Outcome = "resumed"
	OutcomeActiveIgnored Outcome = "active"
	OutcomeNoCapacity    Outcome = "no_capacity"
)

// InboundResult reports how an inbound message was handled. Status is the
// conversation's status before the message ("new" when there was none).
// Notification failures leave committed state in place and are reported
// through NotifyErr.
type InboundResult struct {
	Outcome        Outcome
	Reason         string
	Number         string
	Phone          string
	ConversationID string
	Instance       string
	Status         string
	Notified       bool
	NotifyErr      error
}

// HandleInbound applies one gateway message.
func (c *Controller) HandleInbound(ctx context.Context, in evolution.Inbound) (InboundResult, error) {
	res := InboundResult{Number: in.Number, Phone: phone.Normalize(in.Number), Instance: in.Instance}
	if in.Skip != "" {
		res.Outcome = OutcomeIgnored
		res.Reason = in.Skip
		logger.Debug("inbound ignored", zap.String("reason", in.Skip), zap.String("instance", in.Instance))
		return res, nil
	}

	logger.Info("inbound message",
		zap.String("phone", res.Number),
		zap.Bool("from_me", in.FromMe),
		zap.String("instance", in.Instance))
	c.stats.Event()

	if in.FromMe {
		return c.outbound(ctx, in, res)
	}

	ev, res, err := c.lead(ctx, in, res)
	if err != nil || ev == nil {
		return res, err
	}
	c.notify(ctx, *ev, &res)
	return res, nil
}

// outbound logs a message the instance sent on the phone's live
// conversation, if any.
func (c *Controller) outbound(ctx context.Context, in evolution.Inbound, res InboundResult) (InboundResult, error) {
	res.Outcome = OutcomeOutbound
	res.Status = string(OutcomeOutbound)

	conv, err := c.store.Get(ctx, res.Phone)
	if errors.Is(err, conversation.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.ConversationID = conv.ID
	if err := c.store.AppendMessage(ctx, conv.ID, models.DirectionOut, in.Text); err != nil {
		return res, err
	}
	return res, nil
}

// lead applies a lead's message under the phone lock and returns the event
// to send once the lock is released.
func (c *Controller) lead(ctx context.Context, in evolution.Inbound, res InboundResult) (*n8n.Event, InboundResult, error) {
	release, err := c.locks.Lock(ctx, res.Phone)
	if err != nil {
		return nil, res, fmt.Errorf("lifecycle: lock %s: %w", res.Phone, err)
	}
	defer release()

	conv, err := c.store.FindLive(ctx, res.Phone)
	if errors.Is(err, conversation.ErrNotFound) {
		return c.start(ctx, in, res)
	}
	if err != nil {
		return nil, res, err
	}
	return c.existing(ctx, in, res, conv)
}

func (c *Controller) start(ctx context.Context, in evolution.Inbound, res InboundResult) (*n8n.Event, InboundResult, error) {
	res.Status = string(OutcomeNewLead)

	inst, err := c.pool.Pick(ctx, c.flow)
	if errors.Is(err, pool.ErrNoCapacity) {
		return nil, c.noCapacity(res), nil
	}
	if err != nil {
		return nil, res, err
	}

	conv, err := c.store.Create(ctx, conversation.NewConversation{
		Phone:        res.Phone,
		Instance:     inst.InstanceName,
		Flow:         c.flow,
		Step:         c.initialStep,
		FirstMessage: in.Text,
		TTL:          c.ttl,
	})
	switch {
	case errors.Is(err, pool.ErrNoCapacity):
		return nil, c.noCapacity(res), nil
	case errors.Is(err, conversation.ErrAlreadyLive):
		// Another replica created it first.
		live, ferr := c.store.FindLive(ctx, res.Phone)
		if ferr != nil {
			return nil, res, ferr
		}
		return c.existing(ctx, in, res, live)
	case err != nil:
		return nil, res, err
	}

	res.Outcome = OutcomeNewLead
	res.ConversationID = conv.ID
	res.Instance = conv.InstanceID
	logger.Info("conversation started",
		zap.String("phone", res.Number),
		zap.String("conversation_id", conv.ID),
		zap.String("instance", conv.InstanceID))

	ev := n8n.NewLead(res.Number, conv.InstanceID, conv.ID, conv.CurrentStep, in.Text, c.now(), c.loc)
	return &ev, res, nil
}

func (c *Controller) noCapacity(res InboundResult) InboundResult {
	res.Outcome = OutcomeNoCapacity
	c.stats.Failure()
	logger.Error("no instance available", zap.String("phone", res.Number), zap.String("flow", c.flow))
	c.raise(alert.Alert{
		Key:   "no_capacity:" + c.flow,
		Level: alert.LevelError,
		Title: "No WhatsApp instance available",
		Body:  "Every instance in the flow's pool is offline or full. New leads are being dropped.",
		Fields: []alert.Field{
			{Name: "Flow", Value: c.flow, Short: true},
			{Name: "Phone", Value: res.Number, Short: true},
		},
	})
	return res
}

func (c *Controller) existing(ctx context.Context, in evolution.Inbound, res InboundResult, conv *models.Conversation) (*n8n.Event, InboundResult, error) {
	res.ConversationID = conv.ID
	res.Instance = conv.InstanceID
	res.Status = string(conv.Status)

	switch conv.Status {
	case models.StatusWaiting:
		if err := c.store.SetStatus(ctx, conv.ID, models.StatusActive, ""); err != nil {
			return nil, res, err
		}
		if err := c.store.AppendMessage(ctx, conv.ID, models.DirectionIn, in.Text); err != nil {
			return nil, res, err
		}
		res.Outcome = OutcomeResumed
		logger.Info("lead responded", zap.String("phone", res.Number), zap.String("step", conv.CurrentStep))
		ev := n8n.LeadResponse(res.Number, conv.InstanceID, conv.ID, conv.CurrentStep, in.Text, c.now(), c.loc)
		return &ev, res, nil
	case models.StatusActive:
		res.Outcome = OutcomeActiveIgnored
		logger.Info("message ignored while flow is active", zap.String("phone", res.Number))
		return nil, res, nil
	case models.StatusFinished:
		return nil, res, fmt.Errorf("lifecycle: conversation %s is finished but was returned as live", conv.ID)
	}
	return nil, res, fmt.Errorf("lifecycle: conversation %s has unknown status %q", conv.ID, conv.Status)
}

func (c *Controller) notify(ctx context.Context, ev n8n.Event, res *InboundResult) {
	if err := c.notifier.Send(ctx, ev); err != nil {
		res.NotifyErr = err
		c.stats.Failure()
		logger.Error("workflow notification failed",
			zap.String("event", string(ev.EventType)),
			zap.String("phone", ev.PhoneNumber),
			zap.Error(err))
		c.raise(alert.Alert{
			Key:   "n8n_delivery",
			Level: alert.LevelWarning,
			Title: "Workflow notification failed",
			Body:  err.Error(),
			Fields: []alert.Field{
				{Name: "Event", Value: string(ev.EventType), Short: true},
				{Name: "Phone", Value: ev.PhoneNumber, Short: true},
			},
		})
		return
	}
	res.Notified = true
	c.stats.Success()
	logger.Info("workflow notified", zap.String("event", string(ev.EventType)), zap.String("phone", ev.PhoneNumber))
}

// raise delivers an alert in the background so a slow chat API never holds
// up webhook handling.
func (c *Controller) raise(a alert.Alert) {
	if c.alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := c.alerter.Alert(ctx, a); err != nil {
			logger.Warn("alert delivery failed", zap.String("key", a.Key), zap.Error(err))
		}
	}()
}

// Checkpoint is the workflow engine's instruction for a conversation.
type Checkpoint struct {
	PhoneNumber   string `json:"phone_number"`
	Action        string `json:"action"`
	Step          string `json:"step"`
	MessageToSend string `json:"message_to_send"`
}

// CheckpointResult reports the applied checkpoint. Step is the step the
// conversation is on afterwards. A failed send is reported in SendErr; the
// transition stays committed.
type CheckpointResult struct {
	Action         Action
	PhoneNumber    string
	Step           string
	ConversationID string
	Status         models.ConversationStatus
	MessageSent    bool
	SendErr        error
}

// HandleCheckpoint applies a checkpoint to the phone's live conversation.
// An unknown phone is reported as conversation.ErrNotFound before the action
// is parsed; an invalid action never mutates the conversation.
func (c *Controller) HandleCheckpoint(ctx context.Context, cp Checkpoint) (CheckpointResult, error) {
	res := CheckpointResult{PhoneNumber: cp.PhoneNumber}
	if cp.PhoneNumber == "" || cp.Action == "" {
		return res, ErrInvalidCheckpoint
	}
	key := phone.Normalize(cp.PhoneNumber)
	if key == "" {
		return res, ErrInvalidCheckpoint
	}

	conv, err := c.applyCheckpoint(ctx, key, cp.Action, cp.Step, &res)
	if err != nil {
		return res, err
	}
	logger.Info("checkpoint applied",
		zap.String("phone", cp.PhoneNumber),
		zap.String("action", string(res.Action)),
		zap.String("step", res.Step))

	if cp.MessageToSend != "" {
		c.sendMessage(ctx, conv, cp.PhoneNumber, cp.MessageToSend, &res)
	}
	return res, nil
}

func (c *Controller) applyCheckpoint(ctx context.Context, key, rawAction, step string, res *CheckpointResult) (*models.Conversation, error) {
	release, err := c.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: lock %s: %w", key, err)
	}
	defer release()

	conv, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	action, err := ParseAction(rawAction)
	if err != nil {
		return nil, err
	}
	res.Action = action
	res.ConversationID = conv.ID
	res.Step = conv.CurrentStep
	if step != "" {
		res.Step = step
	}

	switch action {
	case ActionPause:
		err = c.store.SetStatus(ctx, conv.ID, models.StatusWaiting, step)
		res.Status = models.StatusWaiting
	case ActionContinue:
		err = c.store.SetStatus(ctx, conv.ID, models.StatusActive, step)
		res.Status = models.StatusActive
	case ActionFinish:
		err = c.store.Finish(ctx, conv.ID)
		res.Status = models.StatusFinished
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (c *Controller) sendMessage(ctx context.Context, conv *models.Conversation, number, text string, res *CheckpointResult) {
	fail := func(err error) {
		res.SendErr = err
		logger.Error("message send failed",
			zap.String("phone", number),
			zap.String("instance", conv.InstanceID),
			zap.Error(err))
	}

	inst, err := c.pool.Resolve(ctx, conv.InstanceID)
	if err != nil {
		fail(err)
		return
	}
	if err := c.sender.SendText(ctx, inst.InstanceID, number, text); err != nil {
		fail(err)
		return
	}
	res.MessageSent = true
	logger.Info("message sent", zap.String("phone", number), zap.String("instance", inst.InstanceName))

	if err := c.store.AppendMessage(ctx, conv.ID, models.DirectionOut, text); err != nil {
		logger.Warn("message log failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}
