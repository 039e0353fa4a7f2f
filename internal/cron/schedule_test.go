package cron

import (
	"testing"
	"time"

	"github.com/stakpak-dev/runtime/internal/config"
)

func TestNewScheduleKinds(t *testing.T) {
	if _, err := NewSchedule(config.CronScheduleConfig{}); err == nil {
		t.Error("empty schedule should fail")
	}
	if _, err := NewSchedule(config.CronScheduleConfig{Cron: "not a cron"}); err == nil {
		t.Error("bad cron expression should fail")
	}

	sched, err := NewSchedule(config.CronScheduleConfig{Cron: "0 9 * * *"})
	if err != nil || sched.Kind != "cron" {
		t.Errorf("cron schedule = %+v, err %v", sched, err)
	}
	sched, err = NewSchedule(config.CronScheduleConfig{Every: time.Minute})
	if err != nil || sched.Kind != "every" {
		t.Errorf("every schedule = %+v, err %v", sched, err)
	}
	sched, err = NewSchedule(config.CronScheduleConfig{At: "2030-01-02 09:00"})
	if err != nil || sched.Kind != "at" {
		t.Errorf("at schedule = %+v, err %v", sched, err)
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	cronSched, err := NewSchedule(config.CronScheduleConfig{Cron: "0 9 * * *"})
	if err != nil {
		t.Fatal(err)
	}
	next, ok, err := cronSched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next failed: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("next = %v, want 09:00", next)
	}

	everySched, _ := NewSchedule(config.CronScheduleConfig{Every: 10 * time.Minute})
	next, ok, _ = everySched.Next(now)
	if !ok || !next.Equal(now.Add(10*time.Minute)) {
		t.Errorf("every next = %v", next)
	}

	past, _ := NewSchedule(config.CronScheduleConfig{At: "2020-01-01 00:00"})
	if _, ok, _ := past.Next(now); ok {
		t.Error("a one-shot in the past should not fire again")
	}
}
