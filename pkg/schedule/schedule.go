// Package schedule runs the gateway's periodic maintenance passes:
// avatar cache garbage collection, retrying logins stuck in FAILED, and a
// stale-presence flap guard that re-sends a contact's last known presence
// if the server's own state ever drifts from the store's (spec.md ยง4.9,
// ยง9). Each pass is driven by a cron expression, parsed the same way the
// legacy-compatible schedule evaluator in this codebase's lineage computes
// its next run time.
package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	cronlib "github.com/robfig/cron/v3"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/session"
	"github.com/slidge-im/slidge-go/pkg/store"
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Deps is the slice of Gateway singletons a maintenance pass needs.
type Deps struct {
	Store    *store.Store
	Adapters *adapter.Registry
	Sessions *session.Manager
}

// job is one registered maintenance pass: a cron schedule plus the work to
// run at each fire.
type job struct {
	name     string
	schedule cronlib.Schedule
	run      func(ctx context.Context)
}

// Scheduler owns every registered job's ticking goroutine.
type Scheduler struct {
	deps Deps
	log  zerolog.Logger
	jobs []job

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler with the gateway's built-in maintenance passes
// already registered. Their cadences are the fixed cron expressions below
// (avatar GC every 6h, login retry every 5m, presence resync every 15m);
// no Config field overrides them (spec.md ยง9 names only the existence of the maintenance passes, not their exact
// cadence, so these are a deliberate, documented judgment call).
func New(deps Deps, log zerolog.Logger) *Scheduler {
	s := &Scheduler{deps: deps, log: log}
	s.register("avatar-gc", "@every 6h", s.gcAvatars)
	s.register("login-retry", "@every 5m", s.retryFailedLogins)
	s.register("presence-flap-guard", "@every 15m", s.resyncPresence)
	return s
}

func (s *Scheduler) register(name, expr string, run func(ctx context.Context)) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		// Only ever reached if a built-in expression above is malformed;
		// these are compile-time constants, so this is a programming error.
		panic("schedule: invalid built-in cron expression " + expr + ": " + err.Error())
	}
	s.jobs = append(s.jobs, job{name: name, schedule: sched, run: run})
}

// Start launches one supervised goroutine per registered job, each
// sleeping until its own next fire time rather than polling on a shared
// tick, so a slow job never delays another's schedule.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{}, len(s.jobs))
	for _, j := range s.jobs {
		go s.runLoop(ctx, j)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, j job) {
	defer func() { s.done <- struct{}{} }()
	now := time.Now()
	for {
		next := j.schedule.Next(now)
		wait := time.Until(next)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("job", j.name).Msg("schedule: job panicked")
				}
			}()
			j.run(ctx)
		}()
		now = next
	}
}

// Stop cancels every job's goroutine and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	for range s.jobs {
		<-s.done
	}
}

// gcAvatars drops avatar rows no Contact or User references anymore
// (spec.md ยง4.9: content-addressed rows are only ever appended, so nothing
// but a periodic sweep reclaims an avatar that every referencing row has
// since moved off of).
func (s *Scheduler) gcAvatars(ctx context.Context) {
	n, err := s.deps.Store.Avatars.PruneUnreferenced(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("schedule: avatar gc failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("schedule: avatar gc pruned unreferenced rows")
	}
}

// retryFailedLogins re-attempts StartLogin for every session stuck in
// FAILED (spec.md ยง4.2's FAILED -> LOGGING_IN edge exists precisely so a
// transient adapter error recovers without user intervention).
func (s *Scheduler) retryFailedLogins(ctx context.Context) {
	for _, sess := range s.deps.Sessions.All() {
		if sess.State() != session.StateFailed {
			continue
		}
		if err := s.deps.Sessions.StartLogin(ctx, sess); err != nil {
			s.log.Warn().Err(err).Str("user", sess.User.BareJID).Msg("schedule: retry login failed")
		}
	}
}

// resyncPresence re-broadcasts each ready session's roster presence from
// the store's CachedPresence, guarding against a server-side roster/presence
// cache drifting from ours after a reconnect (spec.md ยง4.3).
func (s *Scheduler) resyncPresence(ctx context.Context) {
	for _, sess := range s.deps.Sessions.All() {
		if sess.State() != session.StateReady || sess.Roster == nil {
			continue
		}
		if err := sess.Roster.ResyncPresence(ctx); err != nil {
			s.log.Warn().Err(err).Str("user", sess.User.BareJID).Msg("schedule: presence resync failed")
		}
	}
}
