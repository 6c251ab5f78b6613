package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters for the /metrics surface.
var (
	fillsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_fills_processed_total",
		Help: "Fills accepted by the episode tracker (post-dedupe, post-validation).",
	})

	candidatesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_candidates_total",
		Help: "Candidate events consumed from a.candidates.v1.",
	})

	episodesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_episodes_closed_total",
		Help: "Closed episodes by close reason.",
	}, []string{"reason"})

	openEpisodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sage_open_episodes",
		Help: "Episodes currently open across all tracked traders.",
	})

	scoresPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_scores_published_total",
		Help: "Score events published on b.scores.v1.",
	})

	consensusEvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_consensus_evaluations_total",
		Help: "Consensus evaluations by outcome (pass or skip).",
	}, []string{"result"})

	decisionsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_decisions_published_total",
		Help: "Approved decisions published on d.decisions.v1.",
	})

	riskBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_risk_blocks_total",
		Help: "Consensus decisions blocked by the risk governor, by gate.",
	}, []string{"gate"})

	killSwitchTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_kill_switch_trips_total",
		Help: "Times the kill switch latched.",
	})
)
