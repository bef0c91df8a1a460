// Package trigger runs the idle-trigger sweep: whitelisted private users who
// have been quiet past the configured interval get a synthetic message
// pushed through the normal chat path.
package trigger

import (
	"context"
	"time"

	"github.com/chatrelay/chatrelay/internal/convo"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
)

// wakeLead is subtracted from the interval so the sweep wakes slightly
// before users cross the idle threshold.
const wakeLead = 10 * time.Second

// errorBackoff is how long the loop sleeps after a sweep error before
// continuing.
const errorBackoff = 5 * time.Minute

// Completer runs one chat turn (the dispatcher's Complete satisfies this).
type Completer func(ctx context.Context, userKey string, messages []store.Message) (string, error)

// Deliverer pushes an unsolicited assistant message to a user. The bot
// channel satisfies this.
type Deliverer interface {
	DeliverTo(userID, text string) error
}

// Options configures a Scheduler.
type Options struct {
	Platform  string // platform tag used when deriving user keys
	Interval  time.Duration
	Message   string   // synthetic user-authored message template
	Whitelist []string // raw private ids allowed to be triggered

	Convos   *convo.Manager
	Complete Completer
	Deliver  Deliverer
	Clock    func() time.Time // nil uses time.Now
}

// Scheduler owns the background idle sweep.
type Scheduler struct {
	platform  string
	interval  time.Duration
	message   string
	whitelist map[string]bool

	convos   *convo.Manager
	complete Completer
	deliver  Deliverer
	clock    func() time.Time
}

// New creates a Scheduler and seeds last-activity for whitelisted users that
// have none, so a fresh install does not fire for everyone immediately.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	whitelist := make(map[string]bool, len(opts.Whitelist))
	keys := make([]string, 0, len(opts.Whitelist))
	for _, id := range opts.Whitelist {
		whitelist[id] = true
		keys = append(keys, convo.UserKey(opts.Platform, convo.ScopePrivate, id))
	}
	if seeded := opts.Convos.EnsureActivity(keys); seeded > 0 {
		L_info("trigger: seeded activity for whitelisted users", "count", seeded)
	}

	return &Scheduler{
		platform:  opts.Platform,
		interval:  opts.Interval,
		message:   opts.Message,
		whitelist: whitelist,
		convos:    opts.Convos,
		complete:  opts.Complete,
		deliver:   opts.Deliver,
		clock:     opts.Clock,
	}
}

// Run executes the sweep loop until the context is cancelled. Sweep failures
// are logged and the loop backs off rather than terminating.
func (s *Scheduler) Run(ctx context.Context) {
	wake := s.interval - wakeLead
	if wake < time.Second {
		wake = time.Second
	}
	L_info("trigger: idle sweep started", "interval", s.interval, "wake", wake, "whitelisted", len(s.whitelist))

	for {
		select {
		case <-ctx.Done():
			L_info("trigger: idle sweep stopped")
			return
		case <-time.After(wake):
		}

		if IsShuttingDown() {
			return
		}

		if fired, err := s.Sweep(ctx); err != nil {
			L_error("trigger: sweep failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		} else if fired > 0 {
			L_info("trigger: sweep fired", "count", fired)
		}
	}
}

// Sweep scans last-activity timestamps and fires a synthetic turn for every
// idle whitelisted private user. Returns how many users were triggered.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.clock()
	fired := 0

	for userKey, lastUnix := range s.convos.ActivitySnapshot() {
		if !convo.IsPrivate(userKey) {
			continue
		}
		id := convo.PrivateID(userKey)
		if !s.whitelist[id] {
			continue
		}
		if now.Sub(time.Unix(lastUnix, 0)) < s.interval {
			continue
		}

		s.fire(ctx, userKey, id)
		// Bump activity regardless of outcome to prevent immediate
		// re-trigger on the next sweep.
		s.convos.TouchActivity(userKey)
		fired++
	}
	return fired, nil
}

// fire pushes the synthetic user message through the normal chat path and
// delivers the reply. Delivery is best-effort.
func (s *Scheduler) fire(ctx context.Context, userKey, userID string) {
	s.convos.Append(userKey, convo.RoleUser, s.message, "")
	messages := s.convos.RenderPrompt(userKey)

	text, err := s.complete(ctx, userKey, messages)
	if err != nil {
		L_warn("trigger: chat turn failed", "user", userKey, "error", err)
		return
	}

	s.convos.Append(userKey, convo.RoleAssistant, text, "")
	if err := s.deliver.DeliverTo(userID, text); err != nil {
		L_error("trigger: delivery failed", "user", userKey, "error", err)
		return
	}
	L_info("trigger: delivered idle message", "user", userKey)
}

// Status describes the trigger state for one user, for the status command.
type Status struct {
	Enabled       bool
	Interval      time.Duration
	Whitelisted   bool
	LastActivity  time.Time
	HasActivity   bool
	UntilNextFire time.Duration
}

// StatusFor reports the trigger state for a private user id.
func (s *Scheduler) StatusFor(userID string) Status {
	userKey := convo.UserKey(s.platform, convo.ScopePrivate, userID)
	st := Status{
		Enabled:     true,
		Interval:    s.interval,
		Whitelisted: s.whitelist[userID],
	}

	if last, ok := s.convos.LastActivity(userKey); ok {
		st.LastActivity = last
		st.HasActivity = true
		if until := s.interval - s.clock().Sub(last); until > 0 {
			st.UntilNextFire = until
		}
	}
	return st
}
