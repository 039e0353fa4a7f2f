package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stakpak-dev/runtime/internal/config"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*config.CronMessageConfig
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg *config.CronMessageConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func messageJob(id string) config.CronJobConfig {
	return config.CronJobConfig{
		ID:       id,
		Type:     "message",
		Enabled:  true,
		Schedule: config.CronScheduleConfig{Every: time.Minute},
		Message: &config.CronMessageConfig{
			Channel:   "telegram",
			ChannelID: "12345",
			Content:   "ping",
		},
	}
}

func TestSchedulerRunsDueMessageJob(t *testing.T) {
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sender := &recordingSender{}
	s, err := NewScheduler(
		config.CronConfig{Jobs: []config.CronJobConfig{messageJob("morning")}},
		WithMessageSender(sender),
		WithNow(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing due yet: next run is one interval out.
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("ran %d jobs before due time", n)
	}

	clock = clock.Add(2 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}
	if len(sender.sent) != 1 || sender.sent[0].Content != "ping" {
		t.Fatalf("sender got %+v", sender.sent)
	}
}

func TestSchedulerTemplateRendering(t *testing.T) {
	clock := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	sender := &recordingSender{}
	job := messageJob("templated")
	job.Message.Content = ""
	job.Message.Template = "report for {{.date}} at {{.time}}"

	s, err := NewScheduler(
		config.CronConfig{Jobs: []config.CronJobConfig{job}},
		WithMessageSender(sender),
		WithNow(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	want := "report for 2025-06-01 at 09:32"
	if sender.sent[0].Content != want {
		t.Errorf("rendered %q, want %q", sender.sent[0].Content, want)
	}
}

func TestSchedulerRetryBackoff(t *testing.T) {
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sender := &recordingSender{err: errors.New("downstream unavailable")}
	job := messageJob("flaky")
	job.Retry = config.CronRetryConfig{MaxRetries: 2, Backoff: 10 * time.Second}

	s, err := NewScheduler(
		config.CronConfig{Jobs: []config.CronJobConfig{job}},
		WithMessageSender(sender),
		WithNow(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatal("job missing")
	}
	if jobs[0].LastError == "" {
		t.Error("failure should be recorded on the job")
	}
	// First retry fires after the base backoff, not the full interval.
	wantNext := clock.Add(10 * time.Second)
	if !jobs[0].NextRun.Equal(wantNext) {
		t.Errorf("next run %v, want %v", jobs[0].NextRun, wantNext)
	}
}

func TestSchedulerSkipsInvalidJobs(t *testing.T) {
	bad := messageJob("no-channel")
	bad.Message.ChannelID = ""
	s, err := NewScheduler(config.CronConfig{Jobs: []config.CronJobConfig{bad, messageJob("ok")}})
	if err != nil {
		t.Fatal(err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].ID != "ok" {
		t.Fatalf("expected only the valid job, got %+v", jobs)
	}
}

func TestSchedulerRegisterAndUnregister(t *testing.T) {
	s, err := NewScheduler(config.CronConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterJob(messageJob("dynamic")); err != nil {
		t.Fatal(err)
	}
	if len(s.Jobs()) != 1 {
		t.Fatal("job not registered")
	}
	if !s.UnregisterJob("dynamic") {
		t.Error("unregister should report removal")
	}
	if s.UnregisterJob("dynamic") {
		t.Error("second unregister should report absence")
	}
}

func TestRetryDelayCaps(t *testing.T) {
	cfg := config.CronRetryConfig{Backoff: 10 * time.Second, MaxBackoff: 25 * time.Second}
	if d := retryDelay(cfg, 1); d != 10*time.Second {
		t.Errorf("attempt 1: %v", d)
	}
	if d := retryDelay(cfg, 2); d != 20*time.Second {
		t.Errorf("attempt 2: %v", d)
	}
	if d := retryDelay(cfg, 3); d != 25*time.Second {
		t.Errorf("attempt 3 should cap at MaxBackoff, got %v", d)
	}
}
