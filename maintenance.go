// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// maintenance periodically recovers expired leases and removes old
// dead letters.
type maintenance struct {
	m *Manager
	c *cron.Cron
}

func newMaintenance(m *Manager) *maintenance {
	logger := cronLogger{m.logger.With().Str("component", "maintenance").Logger()}
	return &maintenance{
		m: m,
		c: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

func (mt *maintenance) start() error {
	if mt.m.maintenanceSpec != "" {
		if _, err := mt.c.AddFunc(mt.m.maintenanceSpec, mt.recoverExpired); err != nil {
			return errors.Wrapf(err, "jobqueue: invalid maintenance schedule %q", mt.m.maintenanceSpec)
		}
	}
	if mt.m.retentionDays > 0 {
		if _, err := mt.c.AddFunc(mt.m.retentionSpec, mt.cleanupDeadLetters); err != nil {
			return errors.Wrapf(err, "jobqueue: invalid retention schedule %q", mt.m.retentionSpec)
		}
	}
	mt.c.Start()
	return nil
}

// stop waits for running maintenance tasks to finish.
func (mt *maintenance) stop() {
	<-mt.c.Stop().Done()
}

func (mt *maintenance) recoverExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := mt.m.st.RecoverExpired(ctx, time.Now())
	if err != nil {
		mt.m.logger.Error().Err(err).Msg("error recovering expired leases")
		return
	}
	if n > 0 {
		mt.m.logger.Info().Int("jobs", n).Msg("recovered jobs with expired leases")
	}
}

func (mt *maintenance) cleanupDeadLetters() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := mt.m.dlq.Cleanup(ctx, mt.m.retentionDays); err != nil {
		mt.m.logger.Error().Err(err).Msg("error cleaning up dead letters")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
