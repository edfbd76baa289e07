package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/metrics"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/redis"
	"github.com/harukochan/bot-server-go/internal/service"
)

const (
	TaskGreetingMorning = "greeting-morning"
	TaskGreetingNoon    = "greeting-noon"
	TaskGreetingNight   = "greeting-night"
	TaskGreetingRandom  = "greeting-random"
	TaskExpiryReminder  = "expiry-reminder"
)

// dueGrace is how long after its slot a task may still start, so a late tick
// or a restart does not lose the day's run.
const dueGrace = 5 * time.Minute

var ErrUnknownTask = errors.New("unknown task")

var (
	greetMorning = []string{
		"早安☀️！今天天氣很好，記得多補充水分喔！",
		"晨光灑進來了，晴子醬來叫你起床啦～ 🌸",
		"新的一天開始！給你一個元氣擁抱 💪",
	}
	greetNoon = []string{
		"午安～吃飯了沒？多蔬菜少炸雞喔🍱",
		"忙了一個上午，來伸個懶腰吧 🧘",
		"補充能量的時間到！晴子醬陪你午餐 🍙",
	}
	greetNight = []string{
		"晚安🌙 今天也辛苦了，床鋪在呼喚你囉！",
		"夜深了，記得放下手機讓眼睛休息 💤",
		"星空很美，但晴子醬覺得你更閃耀 ✨",
	}
	greetAfternoon = []string{
		"下午茶時間到～晴子醬偷偷想你了 ☕",
		"有點睏了嗎？起來走一走，喝口水吧 🚶",
		"今天過得還順利嗎？跟晴子醬說說看 💬",
	}
)

// UserDirectory is the read side of the account store used by broadcasts.
type UserDirectory interface {
	ListAllUserIDs(ctx context.Context) ([]string, error)
	FindUserIDsWithExpiry(ctx context.Context, date time.Time) ([]string, error)
}

// Pusher sends messages to one user.
type Pusher interface {
	Push(ctx context.Context, userID string, msgs []model.OutboundMessage) error
}

// RunLock guards a (task, day) pair across restarts and instances.
type RunLock interface {
	service.Claimer
	Release(ctx context.Context, key string) error
}

// Report summarizes one task run.
type Report struct {
	Task    string `json:"task"`
	Targets int    `json:"targets"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
}

type task struct {
	name string
	// slot returns the local minute of day the task is due on date.
	slot func(date time.Time) int
	run  func(ctx context.Context, now time.Time) (*Report, error)
}

type SchedulerConfig struct {
	Location       *time.Location
	GreetingWindow config.TimeWindow
	RatePerSecond  float64
	Interval       time.Duration
}

type Scheduler struct {
	users    UserDirectory
	pusher   Pusher
	lock     RunLock
	metrics  *metrics.Collector
	loc      *time.Location
	window   config.TimeWindow
	limiter  *rate.Limiter
	interval time.Duration
	tasks    []task

	rngMu sync.Mutex
	rng   *rand.Rand

	nowFn func() time.Time
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewScheduler(users UserDirectory, pusher Pusher, lock RunLock, m *metrics.Collector, cfg SchedulerConfig) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.SchedulerTickInterval
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	s := &Scheduler{
		users:    users,
		pusher:   pusher,
		lock:     lock,
		metrics:  m,
		loc:      cfg.Location,
		window:   cfg.GreetingWindow,
		limiter:  rate.NewLimiter(limit, burst),
		interval: cfg.Interval,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		nowFn:    time.Now,
		done:     make(chan struct{}),
	}
	s.tasks = []task{
		{name: TaskGreetingMorning, slot: fixedSlot(7, 30), run: s.greeting(TaskGreetingMorning, greetMorning)},
		{name: TaskGreetingNoon, slot: fixedSlot(12, 0), run: s.greeting(TaskGreetingNoon, greetNoon)},
		{name: TaskGreetingNight, slot: fixedSlot(22, 0), run: s.greeting(TaskGreetingNight, greetNight)},
		{name: TaskGreetingRandom, slot: s.randomSlot, run: s.greeting(TaskGreetingRandom, greetAfternoon)},
		{name: TaskExpiryReminder, slot: fixedSlot(10, 0), run: s.expiryReminder},
	}
	return s
}

func fixedSlot(hour, minute int) func(time.Time) int {
	return func(time.Time) int { return hour*60 + minute }
}

// randomSlot picks a minute inside the greeting window that is stable for a
// given date, so every instance agrees on it.
func (s *Scheduler) randomSlot(date time.Time) int {
	span := s.window.End - s.window.Start
	if span <= 0 {
		return s.window.Start
	}
	h := fnv.New32a()
	h.Write([]byte(model.FormatDate(date)))
	return s.window.Start + int(h.Sum32()%uint32(span))
}

// TaskNames lists the registered tasks in evaluation order.
func (s *Scheduler) TaskNames() []string {
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.name)
	}
	return names
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Info().Dur("interval", s.interval).Str("timezone", s.loc.String()).Msg("scheduler started")
}

// Stop ends the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.SchedulerTaskTimeout)
			go func() {
				select {
				case <-s.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			s.Tick(ctx, s.nowFn())
			cancel()
		}
	}
}

// Tick runs every task whose slot falls within the grace period before now.
// Each (task, day) runs at most once across all instances.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	local := now.In(s.loc)
	date := model.Today(now, s.loc)
	minute := local.Hour()*60 + local.Minute()
	grace := int(dueGrace / time.Minute)

	for _, t := range s.tasks {
		slot := t.slot(date)
		if minute < slot || minute >= slot+grace {
			continue
		}

		key := redis.ScheduleRunKey(t.name, model.FormatDate(date))
		claimed, err := s.lock.Claim(ctx, key, config.SchedulerRunLockTTL)
		if err != nil {
			log.Error().Err(err).Str("task", t.name).Msg("failed to claim scheduled run")
			s.metrics.TaskRun(t.name, "error")
			continue
		}
		if !claimed {
			continue
		}

		report, err := s.execute(ctx, t, now)
		if err != nil && report == nil {
			// Nothing was sent; let the next tick inside the grace period try again.
			if relErr := s.lock.Release(context.WithoutCancel(ctx), key); relErr != nil {
				log.Warn().Err(relErr).Str("task", t.name).Msg("failed to release scheduled run")
			}
		}
	}
}

// RunTask runs the named task immediately, bypassing its slot and run lock.
func (s *Scheduler) RunTask(ctx context.Context, name string, now time.Time) (*Report, error) {
	for _, t := range s.tasks {
		if t.name == name {
			return s.execute(ctx, t, now)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (s *Scheduler) execute(ctx context.Context, t task, now time.Time) (*Report, error) {
	start := time.Now()
	report, err := t.run(ctx, now)
	if err != nil {
		log.Error().Err(err).Str("task", t.name).Msg("scheduled task failed")
		s.metrics.TaskRun(t.name, "error")
		return report, err
	}

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	s.metrics.TaskRun(t.name, result)
	log.Info().
		Str("task", t.name).
		Int("targets", report.Targets).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("scheduled task finished")
	return report, nil
}

func (s *Scheduler) greeting(name string, texts []string) func(context.Context, time.Time) (*Report, error) {
	return func(ctx context.Context, now time.Time) (*Report, error) {
		ids, err := s.users.ListAllUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		msg := []model.OutboundMessage{model.TextMessage(s.pick(texts))}
		return s.pushAll(ctx, name, ids, func(string) []model.OutboundMessage { return msg })
	}
}

func (s *Scheduler) expiryReminder(ctx context.Context, now time.Time) (*Report, error) {
	tomorrow := model.Today(now, s.loc).AddDate(0, 0, 1)
	ids, err := s.users.FindUserIDsWithExpiry(ctx, tomorrow)
	if err != nil {
		return nil, fmt.Errorf("find expiring users: %w", err)
	}
	msg := []model.OutboundMessage{model.TextMessage(service.ExpiryReminderReply(tomorrow))}
	return s.pushAll(ctx, TaskExpiryReminder, ids, func(string) []model.OutboundMessage { return msg })
}

// pushAll sends to each user in turn. A failed push is logged and counted;
// only cancellation of ctx stops the batch early.
func (s *Scheduler) pushAll(ctx context.Context, name string, ids []string, build func(string) []model.OutboundMessage) (*Report, error) {
	report := &Report{Task: name, Targets: len(ids)}
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("%s interrupted after %d pushes: %w", name, report.Sent+report.Failed, err)
		}

		pushCtx, cancel := context.WithTimeout(ctx, config.ChannelTimeout)
		err := s.pusher.Push(pushCtx, id, build(id))
		cancel()

		s.metrics.Push(name, err == nil)
		if err != nil {
			report.Failed++
			log.Warn().Err(err).Str("task", name).Str("userId", id).Msg("scheduled push failed")
			continue
		}
		report.Sent++
	}
	return report, nil
}

func (s *Scheduler) pick(texts []string) string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return texts[s.rng.IntN(len(texts))]
}
