// SPDX-License-Identifier: GPL-2.0
/*
 * Copyright (c) 2023 Oracle and/or its affiliates.
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * nbtls is free software; you can redistribute it and/or
 * modify it under the terms of the GNU General Public License as
 * published by the Free Software Foundation; version 2.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 51 Franklin Street, Fifth Floor, Boston, MA
 * 02110-1301, USA.
 */

// Package taskpool runs delegated engine tasks off the I/O path.
package taskpool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dpeckett/nbtls/engine"
	"golang.org/x/sync/semaphore"
)

// Pool runs tasks on at most a fixed number of goroutines at a time.
type Pool struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
}

// New creates a pool with the given number of workers.
func New(logger *slog.Logger, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(workers)),
	}
}

// Submit queues task and returns a channel that receives its result. If ctx
// is done before a worker is free the task is not run and the channel
// receives the context error. Once started, a task always runs to completion.
func (p *Pool) Submit(ctx context.Context, task engine.Task) <-chan error {
	done := make(chan error, 1)

	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			done <- err
			return
		}
		defer p.sem.Release(1)

		done <- p.run(task)
	}()

	return done
}

func (p *Pool) run(task engine.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Delegated task panicked", "panic", r)

			err = fmt.Errorf("%w: delegated task panicked: %v", engine.ErrInternalInvariant, r)
		}
	}()

	return task()
}
