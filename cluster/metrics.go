// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import "github.com/prometheus/client_golang/prometheus"

type clusterMetrics struct {
	admissions         prometheus.Counter
	admissionFailures  prometheus.Counter
	proposalsStarted   prometheus.Counter
	proposalsCommitted prometheus.Counter
	proposalsDenied    prometheus.Counter
	electionsWon       prometheus.Counter
	electionsFailed    prometheus.Counter
}

func newClusterMetrics(registerer prometheus.Registerer) (*clusterMetrics, error) {
	m := &clusterMetrics{
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_admissions",
			Help: "Number of followers admitted to shares led by this peer",
		}),
		admissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_admission_failures",
			Help: "Number of refused or failed admission attempts",
		}),
		proposalsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_proposals_started",
			Help: "Number of proposals coordinated by this peer",
		}),
		proposalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_proposals_committed",
			Help: "Number of proposals that reached quorum and committed",
		}),
		proposalsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_proposals_denied",
			Help: "Number of proposals that missed quorum",
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_elections_won",
			Help: "Number of elections this peer won",
		}),
		electionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_elections_failed",
			Help: "Number of elections that dissolved the cluster locally",
		}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.admissions,
		m.admissionFailures,
		m.proposalsStarted,
		m.proposalsCommitted,
		m.proposalsDenied,
		m.electionsWon,
		m.electionsFailed,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
