// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cephusage samples Ceph cluster utilization on Ceph-enabled
// hosts. Samples accumulate between exchanges and are flushed as a
// single ceph-usage message carrying the cluster's ring ID.
package cephusage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/absmach/fleetagent/message"
	"github.com/absmach/fleetagent/store"
)

const msgType = "ceph-usage"

// usagePattern matches the pgmap summary line of ceph status output. The
// line layout changed around Ceph 0.56.1 but the usage fields did not.
var usagePattern = regexp.MustCompile(`(\d+) MB used, (\d+) MB / (\d+) MB avail`)

// Runner executes an external command and returns its combined output.
// Injectable for tests; a missing binary returns an error.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Queue is the slice of the message store the plugin needs.
type Queue interface {
	Add(msg message.Message) (uint64, error)
	Accepts(msgType string) bool
}

// Point is one utilization sample: a timestamp and a used-space ratio in
// [0, 1].
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Ratio     float64 `json:"ratio"`
}

// Plugin samples cluster usage on every tick.
type Plugin struct {
	queue  Queue
	run    Runner
	logger *slog.Logger
	now    func() time.Time

	points []Point
	ringID string
}

// New creates the plugin. run may be nil, in which case sampling is a
// no-op until one is injected (Ceph not installed).
func New(q Queue, run Runner, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		queue:  q,
		run:    run,
		logger: logger,
		now:    time.Now,
	}
}

// Name implements the plugin interface.
func (p *Plugin) Name() string { return "ceph-usage" }

// Run takes one sample and refreshes the ring ID.
func (p *Plugin) Run(ctx context.Context) error {
	if p.run == nil {
		return nil
	}

	ratio, err := p.usage(ctx)
	if err != nil {
		return err
	}
	p.points = append(p.points, Point{Timestamp: p.now().Unix(), Ratio: ratio})

	if id, err := p.ringIDFromQuorum(ctx); err == nil && id != "" {
		p.ringID = id
	}
	return nil
}

// Exchange flushes accumulated samples as one message. Nothing is queued
// when no samples exist or the server does not accept the type.
func (p *Plugin) Exchange(_ context.Context) error {
	if len(p.points) == 0 || !p.queue.Accepts(msgType) {
		return nil
	}

	_, err := p.queue.Add(message.Message{
		"type":        msgType,
		"ceph-usages": p.points,
		"ring-id":     p.ringID,
	})
	if errors.Is(err, store.ErrTypeRejected) {
		return nil
	}
	if err != nil {
		return err
	}

	p.points = nil
	return nil
}

// Resynchronize drops accumulated samples so the server gets a fresh
// series after a state reset.
func (p *Plugin) Resynchronize() {
	p.points = nil
	p.ringID = ""
}

// usage parses the used-space ratio out of ceph status output.
func (p *Plugin) usage(ctx context.Context) (float64, error) {
	out, err := p.run(ctx, "ceph", "status")
	if err != nil {
		return 0, err
	}

	m := usagePattern.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.New("could not parse ceph status output")
	}

	avail, err1 := strconv.ParseFloat(m[2], 64)
	total, err2 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || total == 0 {
		return 0, errors.New("could not parse ceph status output")
	}

	return (total - avail) / total, nil
}

// ringIDFromQuorum extracts the cluster fsid from quorum status JSON.
func (p *Plugin) ringIDFromQuorum(ctx context.Context) (string, error) {
	out, err := p.run(ctx, "ceph", "quorum_status")
	if err != nil {
		return "", err
	}

	var quorum struct {
		Monmap struct {
			FSID string `json:"fsid"`
		} `json:"monmap"`
	}
	if err := json.Unmarshal([]byte(out), &quorum); err != nil {
		p.logger.Warn("could not parse ceph quorum output")
		return "", err
	}
	if quorum.Monmap.FSID == "" {
		return "", errors.New("quorum output carries no fsid")
	}
	return quorum.Monmap.FSID, nil
}
