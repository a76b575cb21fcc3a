package reminder

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/cooldown"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Service is the producer API. Every mutation that replaces or removes a
// stored reminder also cancels its live delivery.
type Service struct {
	store Store
	prefs Preferences
	disp  *Dispatcher
	calc  *cooldown.Calculator
	log   logx.Logger
}

func NewService(e *Engine, prefs Preferences) *Service {
	return &Service{
		store: e.store,
		prefs: prefs,
		disp:  e.disp,
		calc:  cooldown.NewCalculator(e.store),
		log:   e.log.With(logx.String("comp", "reminders")),
	}
}

// UpsertIndividual stores the cooldown reminder of one user, replacing the
// previous one for the same activity.
func (s *Service) UpsertIndividual(ctx context.Context, in storage.UpsertIndividual) (storage.Reminder, error) {
	r, replaced, err := s.store.UpsertIndividual(ctx, in)
	if err != nil {
		return storage.Reminder{}, err
	}
	s.cancelReplaced(replaced)
	return r, nil
}

// UpsertGroup stores the single group reminder of a group.
func (s *Service) UpsertGroup(ctx context.Context, in storage.UpsertGroup) (storage.Reminder, error) {
	r, replaced, err := s.store.UpsertGroup(ctx, in)
	if err != nil {
		return storage.Reminder{}, err
	}
	s.cancelReplaced(replaced)
	return r, nil
}

// InsertCustom appends a free-form reminder; it never replaces anything.
func (s *Service) InsertCustom(ctx context.Context, recipientID, channelID int64, message string, d time.Duration) (storage.Reminder, error) {
	return s.store.InsertCustom(ctx, recipientID, channelID, message, d)
}

// Delete removes a reminder and cancels its delivery.
func (s *Service) Delete(ctx context.Context, key string) (storage.Reminder, error) {
	r, err := s.store.DeleteReminder(ctx, key)
	if err != nil {
		return storage.Reminder{}, err
	}
	s.disp.Cancel(key)
	return r, nil
}

// DeleteGroup removes the group reminder of groupID, if any, and cancels
// its delivery.
func (s *Service) DeleteGroup(ctx context.Context, groupID int64) (*storage.Reminder, error) {
	r, err := s.store.DeleteGroupReminder(ctx, groupID)
	if err != nil || r == nil {
		return nil, err
	}
	s.disp.Cancel(r.TaskKey)
	return r, nil
}

func (s *Service) ActiveFor(ctx context.Context, f storage.Filter) ([]storage.Reminder, error) {
	return s.store.ActiveFor(ctx, f)
}

// Cooldown describes an activity that just started.
type Cooldown struct {
	RecipientID int64
	ChannelID   int64
	Activity    cooldown.Activity
	Invocation  cooldown.Invocation
	Message     string
}

// StartCooldown computes the effective cooldown of c.Activity for the
// recipient's donor tier and upserts the matching reminder.
func (s *Service) StartCooldown(ctx context.Context, c Cooldown) (storage.Reminder, error) {
	tier := cooldown.DonorNone
	if s.prefs != nil {
		p, err := s.prefs.GetPreferences(ctx, c.RecipientID)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("preferences for %d: %w", c.RecipientID, err)
		}
		tier = cooldown.DonorTier(p.DonorTier)
	}
	d, err := s.calc.Duration(ctx, c.Activity, cooldown.Options{Invocation: c.Invocation, DonorTier: tier})
	if err != nil {
		return storage.Reminder{}, err
	}
	return s.UpsertIndividual(ctx, storage.UpsertIndividual{
		RecipientID: c.RecipientID,
		Activity:    c.Activity.String(),
		Duration:    d,
		ChannelID:   c.ChannelID,
		Message:     c.Message,
	})
}

func (s *Service) cancelReplaced(replaced *storage.Reminder) {
	if replaced == nil {
		return
	}
	s.log.Debug("reminder replaced", logx.String("key", replaced.TaskKey))
	s.disp.Cancel(replaced.TaskKey)
}
