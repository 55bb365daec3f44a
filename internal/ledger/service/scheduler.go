package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// AlertScheduler runs the expiry sweep and the alert scans on cron schedules.
type AlertScheduler struct {
	lots    *LotLedger
	scanner *AlertScanner
	clock   clock.Clock
	cron    *cron.Cron
	logger  *logger.Logger
	cancel  context.CancelFunc
}

// NewAlertScheduler registers the sweep and scan jobs. Specs accept an
// optional seconds field and descriptors such as "@daily".
func NewAlertScheduler(lots *LotLedger, scanner *AlertScanner, clk clock.Clock, loc *time.Location, sweepSpec, scanSpec string, log *logger.Logger) (*AlertScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &AlertScheduler{
		lots:    lots,
		scanner: scanner,
		clock:   clk,
		cron:    cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		logger:  log,
	}

	// Scheduled jobs act as the system, never as a user.
	ctx, cancel := context.WithCancel(actor.WithActor(context.Background(), actor.SystemActor()))
	s.cancel = cancel

	if _, err := s.cron.AddFunc(sweepSpec, func() { s.RunSweep(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", sweepSpec, err)
	}
	if _, err := s.cron.AddFunc(scanSpec, func() { s.RunScan(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid scan schedule %q: %w", scanSpec, err)
	}
	return s, nil
}

// Start starts the scheduler in its own goroutine
func (s *AlertScheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("alert scheduler started")
}

// Stop cancels running jobs and waits for them to return
func (s *AlertScheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("alert scheduler stopped")
}

// RunSweep expires lots as of now
func (s *AlertScheduler) RunSweep(ctx context.Context) {
	start := time.Now()
	lots, err := s.lots.SweepExpirations(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled expiry sweep failed")
		return
	}
	s.logger.Info().
		Str("actor", actor.FromContext(ctx).String()).
		Dur("duration", time.Since(start)).
		Int("lots_expired", len(lots)).
		Msg("scheduled expiry sweep completed")
}

// RunScan runs every alert scan as of now
func (s *AlertScheduler) RunScan(ctx context.Context) {
	start := time.Now()
	if _, err := s.scanner.ScanAll(ctx, s.clock.Now()); err != nil {
		s.logger.Error().Err(err).Msg("scheduled alert scan failed")
		return
	}
	s.logger.Info().Dur("duration", time.Since(start)).Msg("scheduled alert scan completed")
}
